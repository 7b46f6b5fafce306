package live

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-ballot/backend/internal/service/broadcast"
)

func setupServer(t *testing.T, opts Options) (*httptest.Server, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(8, nil, nil)
	h := New(hub, opts)

	r := chi.NewRouter()
	h.RegisterWebSocketRoutes(r)
	r.Route("/api", func(api chi.Router) {
		h.RegisterSSERoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketGroupsReceiveOnlyTheirEvents(t *testing.T) {
	srv, hub := setupServer(t, Options{})

	organizer := dial(t, srv, "/ws/organizer")
	display := dial(t, srv, "/ws/display")
	assert.Equal(t, "connected", readEvent(t, organizer)["type"])
	assert.Equal(t, "connected", readEvent(t, display)["type"])

	require.Eventually(t, func() bool {
		return hub.Count(broadcast.GroupOrganizer) == 1 && hub.Count(broadcast.GroupDisplay) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVoteReceived, "s1", map[string]int{"votesCast": 1}))
	hub.Publish(broadcast.GroupDisplay, broadcast.NewEvent(broadcast.EventVotingEnded, "s1", nil))
	hub.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVotingEnded, "s1", nil))

	first := readEvent(t, organizer)
	assert.Equal(t, "vote_received", first["type"])
	assert.Equal(t, "s1", first["sessionId"])
	assert.Equal(t, "voting_ended", readEvent(t, organizer)["type"])

	// the display never sees vote_received
	assert.Equal(t, "voting_ended", readEvent(t, display)["type"])
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	srv, hub := setupServer(t, Options{})

	conn := dial(t, srv, "/ws/display")
	readEvent(t, conn)
	require.Eventually(t, func() bool { return hub.Count(broadcast.GroupDisplay) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	require.Eventually(t, func() bool { return hub.Count(broadcast.GroupDisplay) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv, _ := setupServer(t, Options{CheckOrigin: func(origin string) bool { return origin == "https://ok.example.com" }})

	header := http.Header{"Origin": {"https://evil.example.com"}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/organizer"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSSEStream(t *testing.T) {
	srv, hub := setupServer(t, Options{HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/projector", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	next := func() string {
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for sse line")
		}
		return ""
	}

	assert.Equal(t, "event: connected", next())
	assert.Contains(t, next(), `"group":"display"`)
	assert.Equal(t, "", next())

	require.Eventually(t, func() bool { return hub.Count(broadcast.GroupDisplay) == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(broadcast.GroupDisplay, broadcast.NewEvent(broadcast.EventVotingStarted, "s1", map[string]string{"topicTitle": "Budget"}))

	assert.Equal(t, "event: voting_started", next())
	assert.Contains(t, next(), `"topicTitle":"Budget"`)

	cancel()
	require.Eventually(t, func() bool { return hub.Count(broadcast.GroupDisplay) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSEUnknownGroup(t *testing.T) {
	srv, _ := setupServer(t, Options{})
	resp, err := http.Get(srv.URL + "/api/events/everyone")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSESinkIgnoresWritesAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := newSSESink(rec, rec)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Send(broadcast.NewEvent(broadcast.EventVotingEnded, "s1", nil)), errSinkClosed)
	assert.Empty(t, rec.Body.String())
}

// stalledWriter is a streaming response whose writes hang until released.
type stalledWriter struct {
	header  http.Header
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStalledWriter() *stalledWriter {
	return &stalledWriter{header: http.Header{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *stalledWriter) Header() http.Header { return w.header }
func (w *stalledWriter) WriteHeader(int)     {}
func (w *stalledWriter) Flush()              {}

func (w *stalledWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.entered) })
	<-w.release
	return len(p), nil
}

func TestStalledSSEViewerDoesNotBlockPublish(t *testing.T) {
	hub := broadcast.NewHub(1, nil, nil)
	w := newStalledWriter()
	sink := newSSESink(w, w)
	sub, err := hub.Subscribe(broadcast.GroupOrganizer, sink)
	require.NoError(t, err)

	hub.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVoteReceived, "s1", nil))
	select {
	case <-w.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Publish(broadcast.GroupOrganizer, broadcast.NewEvent(broadcast.EventVoteReceived, "s1", nil))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked behind a stalled viewer")
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled viewer was not dropped")
	}
	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("stalled sink was not closed")
	}
	assert.Equal(t, 0, hub.Count(broadcast.GroupOrganizer))

	close(w.release)
	hub.Stop()
}

func TestSSESinkCloseDoesNotWaitForWrite(t *testing.T) {
	w := newStalledWriter()
	sink := newSSESink(w, w)

	sent := make(chan error, 1)
	go func() { sent <- sink.Send(broadcast.NewEvent(broadcast.EventVotingEnded, "s1", nil)) }()
	<-w.entered

	closed := make(chan struct{})
	go func() {
		sink.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited on an in-flight write")
	}

	detached := make(chan struct{})
	go func() {
		sink.detach()
		close(detached)
	}()
	select {
	case <-detached:
		t.Fatal("detach returned during an in-flight write")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.release)
	require.NoError(t, <-sent)
	<-detached
	assert.ErrorIs(t, sink.Send(broadcast.NewEvent(broadcast.EventVotingEnded, "s1", nil)), errSinkClosed)
}
