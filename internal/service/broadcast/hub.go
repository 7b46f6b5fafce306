// Package broadcast fans ballot events out to live viewer connections.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const DefaultQueueSize = 32

var ErrHubStopped = errors.New("broadcast hub stopped")

// Sink writes events to a single viewer connection. Send is only ever called
// from one goroutine per sink. Close may be called concurrently with Send,
// must be idempotent and must not wait for an in-flight Send.
type Sink interface {
	Send(Event) error
	Close() error
}

type SubscriberID uint64

// Subscription is one viewer's place in a group. Events are queued and
// written in publish order by a dedicated goroutine.
type Subscription struct {
	id    SubscriberID
	group Group
	sink  Sink
	hub   *Hub

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscriber identifier.
func (s *Subscription) ID() SubscriberID { return s.id }

// Group returns the viewer group.
func (s *Subscription) Group() Group { return s.group }

// Done is closed once the subscription is removed from its group.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes and closes the sink. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, "", false)
}

func (s *Subscription) run() {
	defer s.hub.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.queue:
			if err := s.sink.Send(evt); err != nil {
				s.hub.logger.Debug("viewer write failed",
					"group", s.group,
					"subscriber", s.id,
					"err", err,
				)
				s.hub.remove(s, "write_failed", false)
				return
			}
		}
	}
}

// Hub keeps the organizer and display groups. Publishing never blocks on a
// viewer: a full queue or a failed write drops that viewer.
type Hub struct {
	mu        sync.RWMutex
	groups    map[Group]map[SubscriberID]*Subscription
	lastID    SubscriberID
	stopped   bool
	queueSize int

	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *hubMetrics
}

// NewHub creates a hub. promRegistry and logger may be nil.
func NewHub(queueSize int, promRegistry prometheus.Registerer, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		groups:    make(map[Group]map[SubscriberID]*Subscription, len(Groups)),
		queueSize: queueSize,
		logger:    logger,
	}
	for _, g := range Groups {
		h.groups[g] = make(map[SubscriberID]*Subscription)
	}
	if promRegistry != nil {
		h.initMetrics(promRegistry)
	}
	return h
}

// Subscribe attaches sink to group.
func (h *Hub) Subscribe(group Group, sink Sink) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil, ErrHubStopped
	}
	members, ok := h.groups[group]
	if !ok {
		return nil, fmt.Errorf("unknown viewer group %q", group)
	}

	h.lastID++
	sub := &Subscription{
		id:    h.lastID,
		group: group,
		sink:  sink,
		hub:   h,
		queue: make(chan Event, h.queueSize),
		done:  make(chan struct{}),
	}
	members[sub.id] = sub

	h.wg.Add(1)
	go sub.run()

	if h.metrics != nil {
		h.metrics.subscribers.WithLabelValues(string(group)).Inc()
	}
	h.logger.Debug("viewer subscribed", "group", group, "subscriber", sub.id)
	return sub, nil
}

// Publish delivers evt to every member of group currently subscribed.
func (h *Hub) Publish(group Group, evt Event) {
	h.mu.RLock()
	members := h.groups[group]
	subs := make([]*Subscription, 0, len(members))
	for _, sub := range members {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.queue <- evt:
		default:
			h.logger.Warn("viewer queue full, dropping subscriber",
				"group", group,
				"subscriber", sub.id,
				"type", evt.Type,
			)
			// the writer may be stuck inside Send; close off the publish path
			h.remove(sub, "queue_full", true)
		}
	}

	if h.metrics != nil {
		h.metrics.published.WithLabelValues(string(group), string(evt.Type)).Inc()
	}
}

// Count returns the number of live subscribers in group.
func (h *Hub) Count(group Group) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// remove detaches sub from its group. With async set the sink is closed on
// its own goroutine so the caller never waits on a viewer.
func (h *Hub) remove(sub *Subscription, reason string, async bool) {
	sub.closeOnce.Do(func() {
		h.mu.Lock()
		if members, ok := h.groups[sub.group]; ok {
			delete(members, sub.id)
		}
		h.mu.Unlock()

		closeSink := func() {
			if err := sub.sink.Close(); err != nil {
				h.logger.Debug("viewer close failed", "group", sub.group, "subscriber", sub.id, "err", err)
			}
		}
		if async {
			// the writer goroutine still holds a wg slot here, so Add is safe
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				closeSink()
			}()
		}
		close(sub.done)
		if !async {
			closeSink()
		}

		if h.metrics != nil {
			h.metrics.subscribers.WithLabelValues(string(sub.group)).Dec()
			if reason != "" {
				h.metrics.dropped.WithLabelValues(string(sub.group), reason).Inc()
			}
		}
	})
}

// Stop closes every subscription and waits for writer goroutines to exit.
// The hub rejects new subscriptions afterwards.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	var subs []*Subscription
	for _, members := range h.groups {
		for _, sub := range members {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, "", false)
	}
	h.wg.Wait()
}
