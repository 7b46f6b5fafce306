// Package live serves the organizer and display viewer channels over
// websocket and server-sent events.
package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-ballot/backend/internal/service/broadcast"
	"github.com/zhouzirui/z-ballot/backend/pkg/utils"
)

const writeTimeout = 10 * time.Second

// Subscriber attaches viewer sinks to a group.
type Subscriber interface {
	Subscribe(group broadcast.Group, sink broadcast.Sink) (*broadcast.Subscription, error)
}

// Options configures the live handler.
type Options struct {
	HeartbeatInterval time.Duration
	CheckOrigin       func(origin string) bool
	Logger            *slog.Logger
}

// Handler WebSocket/SSE 观众连接处理器
type Handler struct {
	hub       Subscriber
	heartbeat time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New 创建观众连接处理器
func New(hub Subscriber, opts Options) *Handler {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(string) bool { return true }
	}
	return &Handler{
		hub:       hub,
		heartbeat: opts.HeartbeatInterval,
		logger:    opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r.Header.Get("Origin"))
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *Handler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/organizer", h.websocketFor(broadcast.GroupOrganizer))
	r.Get("/ws/display", h.websocketFor(broadcast.GroupDisplay))
}

// RegisterSSERoutes 注册SSE路由
func (h *Handler) RegisterSSERoutes(r chi.Router) {
	r.Get("/events/{group}", h.handleSSE)
}

// wsSink writes events to one websocket. Writes from the hub and the ping
// loop are serialized by mu.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(evt broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(evt)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

func (h *Handler) websocketFor(group broadcast.Group) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "group", group, "err", err)
			return
		}
		sink := &wsSink{conn: conn}
		defer sink.Close()

		// connected goes out before the subscription so it is always first
		if err := sink.Send(broadcast.NewEvent(broadcast.EventConnected, "", map[string]string{"group": string(group)})); err != nil {
			return
		}
		sub, err := h.hub.Subscribe(group, sink)
		if err != nil {
			h.logger.Warn("viewer subscribe failed", "group", group, "err", err)
			return
		}
		defer sub.Close()

		h.logger.Info("viewer connected", "transport", "websocket", "group", group, "subscriber", sub.ID())

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		readTimeout := 2 * h.heartbeat
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})

		go h.pingLoop(ctx, sink)

		// viewers are receive-only; reading drives pong handling and close
		// detection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("viewer read error", "group", group, "err", err)
				}
				break
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		h.logger.Info("viewer disconnected", "transport", "websocket", "group", group, "subscriber", sub.ID())
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, sink *wsSink) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

var errSinkClosed = errors.New("sse stream closed")

// sseSink writes events to a streaming response. Every write carries a
// deadline. Close only marks the sink; detach waits for an in-flight write
// so the handler never returns while the hub is still writing.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		done:    make(chan struct{}),
	}
}

func (s *sseSink) Send(evt broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepareWrite(); err != nil {
		return err
	}
	return utils.SendSSEEvent(s.w, s.flusher, string(evt.Type), evt)
}

func (s *sseSink) keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepareWrite(); err != nil {
		return err
	}
	return utils.SendSSEComment(s.w, s.flusher, "ping")
}

// prepareWrite must be called with mu held.
func (s *sseSink) prepareWrite() error {
	if s.closed.Load() {
		return errSinkClosed
	}
	err := s.rc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *sseSink) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// detach closes the sink and waits for a write already in progress.
func (s *sseSink) detach() {
	s.Close()
	s.mu.Lock()
	s.mu.Unlock()
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	group, ok := broadcast.ParseGroup(chi.URLParam(r, "group"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "unknown viewer group")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w, flusher)
	defer sink.detach()
	if err := sink.Send(broadcast.NewEvent(broadcast.EventConnected, "", map[string]string{"group": string(group)})); err != nil {
		return
	}
	sub, err := h.hub.Subscribe(group, sink)
	if err != nil {
		h.logger.Warn("viewer subscribe failed", "group", group, "err", err)
		return
	}
	defer sub.Close()

	h.logger.Info("viewer connected", "transport", "sse", "group", group, "subscriber", sub.ID())

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("viewer disconnected", "transport", "sse", "group", group, "subscriber", sub.ID())
			return
		case <-sink.done:
			return
		case <-ticker.C:
			if err := sink.keepalive(); err != nil {
				return
			}
		}
	}
}
