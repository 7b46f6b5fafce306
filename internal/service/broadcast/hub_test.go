package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
	fail   bool
	block  chan struct{}
	closed bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan Event, 64)}
}

func (r *recordingSink) Send(evt Event) error {
	if r.block != nil {
		<-r.block
	}
	if r.fail {
		return errors.New("broken pipe")
	}
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	select {
	case r.got <- evt:
	default:
	}
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingSink) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestPublishReachesOnlyTargetGroup(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(8, nil, nil)
	defer hub.Stop()

	organizer := newRecordingSink()
	display := newRecordingSink()
	_, err := hub.Subscribe(GroupOrganizer, organizer)
	require.NoError(t, err)
	_, err = hub.Subscribe(GroupDisplay, display)
	require.NoError(t, err)

	hub.Publish(GroupOrganizer, NewEvent(EventVoteReceived, "s1", nil))

	evt := waitEvent(t, organizer.got)
	assert.Equal(t, EventVoteReceived, evt.Type)
	select {
	case evt := <-display.got:
		t.Fatalf("display received organizer event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(64, nil, nil)
	defer hub.Stop()

	sink := newRecordingSink()
	_, err := hub.Subscribe(GroupDisplay, sink)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		hub.Publish(GroupDisplay, NewEvent(EventVoteReceived, fmt.Sprint(i), nil))
	}
	for i := 0; i < 20; i++ {
		evt := waitEvent(t, sink.got)
		assert.Equal(t, fmt.Sprint(i), evt.SessionID)
	}
}

func TestFailedWriteRemovesSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	reg := prometheus.NewRegistry()
	hub := NewHub(8, reg, nil)
	defer hub.Stop()

	broken := &recordingSink{got: make(chan Event, 1), fail: true}
	healthy := newRecordingSink()
	sub, err := hub.Subscribe(GroupOrganizer, broken)
	require.NoError(t, err)
	_, err = hub.Subscribe(GroupOrganizer, healthy)
	require.NoError(t, err)

	hub.Publish(GroupOrganizer, NewEvent(EventVotingStarted, "s1", nil))

	waitEvent(t, healthy.got)
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("broken subscriber was not removed")
	}
	assert.True(t, broken.isClosed())
	assert.Equal(t, 1, hub.Count(GroupOrganizer))
	assert.Equal(t, float64(1), testutil.ToFloat64(hub.metrics.dropped.WithLabelValues("organizer", "write_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(hub.metrics.subscribers.WithLabelValues("organizer")))
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(4, nil, nil)
	defer hub.Stop()

	stuck := &recordingSink{got: make(chan Event, 8), block: make(chan struct{})}
	defer close(stuck.block)
	fast := newRecordingSink()
	slowSub, err := hub.Subscribe(GroupDisplay, stuck)
	require.NoError(t, err)
	_, err = hub.Subscribe(GroupDisplay, fast)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			hub.Publish(GroupDisplay, NewEvent(EventVoteReceived, fmt.Sprint(i), nil))
			// let the fast writer keep its queue short
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stuck subscriber")
	}
	select {
	case <-slowSub.Done():
	case <-time.After(time.Second):
		t.Fatal("stuck subscriber was not dropped")
	}
	for i := 0; i < 20; i++ {
		waitEvent(t, fast.got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(4, nil, nil)
	defer hub.Stop()

	sink := newRecordingSink()
	sub, err := hub.Subscribe(GroupDisplay, sink)
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Count(GroupDisplay))
	assert.True(t, sink.isClosed())

	hub.Publish(GroupDisplay, NewEvent(EventVotingEnded, "s1", nil))
}

func TestSubscribeAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(4, nil, nil)
	sink := newRecordingSink()
	_, err := hub.Subscribe(GroupOrganizer, sink)
	require.NoError(t, err)

	hub.Stop()
	assert.True(t, sink.isClosed())

	_, err = hub.Subscribe(GroupOrganizer, newRecordingSink())
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestSubscribeUnknownGroup(t *testing.T) {
	hub := NewHub(4, nil, nil)
	defer hub.Stop()
	_, err := hub.Subscribe(Group("backstage"), newRecordingSink())
	assert.Error(t, err)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(256, nil, nil)
	defer hub.Stop()

	stable := newRecordingSink()
	stable.got = make(chan Event, 256)
	_, err := hub.Subscribe(GroupOrganizer, stable)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			sub, err := hub.Subscribe(GroupOrganizer, newRecordingSink())
			if err == nil {
				sub.Close()
			}
		}
	}()
	for i := 0; i < 100; i++ {
		hub.Publish(GroupOrganizer, NewEvent(EventVoteReceived, fmt.Sprint(i), nil))
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		evt := waitEvent(t, stable.got)
		assert.Equal(t, fmt.Sprint(i), evt.SessionID)
	}
}

func TestParseGroupAliases(t *testing.T) {
	g, ok := ParseGroup("admin")
	assert.True(t, ok)
	assert.Equal(t, GroupOrganizer, g)
	g, ok = ParseGroup("projector")
	assert.True(t, ok)
	assert.Equal(t, GroupDisplay, g)
	_, ok = ParseGroup("other")
	assert.False(t, ok)
}

// lockedSink holds mu across Send, so Close waits for a stuck write.
type lockedSink struct {
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func (s *lockedSink) Send(Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func (s *lockedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.closed)
	return nil
}

func TestQueueFullDropDoesNotWaitForSinkClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub(1, nil, nil)

	stuck := &lockedSink{entered: make(chan struct{}), release: make(chan struct{}), closed: make(chan struct{})}
	sub, err := hub.Subscribe(GroupOrganizer, stuck)
	require.NoError(t, err)

	hub.Publish(GroupOrganizer, NewEvent(EventVoteReceived, "s1", nil))
	select {
	case <-stuck.entered:
	case <-time.After(time.Second):
		t.Fatal("writer never reached Send")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Publish(GroupOrganizer, NewEvent(EventVoteReceived, "s1", nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish waited on a stuck sink")
	}
	<-sub.Done()
	assert.Equal(t, 0, hub.Count(GroupOrganizer))

	close(stuck.release)
	select {
	case <-stuck.closed:
	case <-time.After(time.Second):
		t.Fatal("sink was never closed")
	}
	hub.Stop()
}
