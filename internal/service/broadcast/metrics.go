package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamePrefix = "ballot_broadcast_"

type hubMetrics struct {
	subscribers *prometheus.GaugeVec
	published   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func (h *Hub) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	h.metrics = &hubMetrics{
		subscribers: promautoFactory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricNamePrefix + "subscribers",
			Help: "number of live viewer subscriptions",
		}, []string{"group"}),
		published: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "events_total",
			Help: "number of events published to a viewer group",
		}, []string{"group", "type"}),
		dropped: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "dropped_subscribers_total",
			Help: "number of subscribers removed after a delivery failure",
		}, []string{"group", "reason"}),
	}
}
