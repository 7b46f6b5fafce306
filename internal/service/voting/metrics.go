package voting

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
)

const metricNamePrefix = "ballot_"

type engineMetrics struct {
	sessionsCreated prometheus.Counter
	windowsOpened   prometheus.Counter
	windowsClosed   *prometheus.CounterVec
	activeWindows   prometheus.Gauge
	votes           *prometheus.CounterVec
	rejections      *prometheus.CounterVec
}

func (c *Controller) initMetrics(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	c.metrics = &engineMetrics{
		sessionsCreated: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "sessions_created_total",
			Help: "number of sessions created",
		}),
		windowsOpened: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: metricNamePrefix + "windows_opened_total",
			Help: "number of voting windows opened",
		}),
		windowsClosed: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "windows_closed_total",
			Help: "number of voting windows closed, by trigger",
		}, []string{"trigger"}),
		activeWindows: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: metricNamePrefix + "active_windows",
			Help: "number of voting windows currently accepting votes",
		}),
		votes: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "votes_total",
			Help: "number of accepted votes, by choice",
		}, []string{"choice"}),
		rejections: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "vote_rejections_total",
			Help: "number of rejected vote submissions, by reason",
		}, []string{"reason"}),
	}
}

func (c *Controller) recordRejection(err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.rejections.WithLabelValues(ErrorCode(err)).Inc()
}

// ErrorCode returns a stable machine-readable code for an engine error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ballot.ErrNotFound):
		return "not_found"
	case errors.Is(err, ballot.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ballot.ErrExpired):
		return "expired"
	case errors.Is(err, ballot.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ballot.ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, ballot.ErrInvalidRoster):
		return "invalid_roster"
	case errors.Is(err, ballot.ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ballot.ErrInvalidSession):
		return "invalid_session"
	default:
		return "internal"
	}
}
