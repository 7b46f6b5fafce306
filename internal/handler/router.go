package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-ballot/backend/internal/handler/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/handler/live"
	middlewarePkg "github.com/zhouzirui/z-ballot/backend/internal/middleware"
	"github.com/zhouzirui/z-ballot/backend/pkg/utils"
)

// Deps are the services the router exposes.
type Deps struct {
	Engine      ballot.Engine
	Hub         live.Subscriber
	AllowOrigin middlewarePkg.OriginMatcher
	Live        live.Options
	// Gatherer is served on /metrics when non-nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	if deps.AllowOrigin == nil {
		deps.AllowOrigin = func(string) bool { return true }
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowOrigin))

	ballotHandler := ballot.New(deps.Engine, deps.Logger)
	liveOpts := deps.Live
	liveOpts.CheckOrigin = deps.AllowOrigin
	liveOpts.Logger = deps.Logger
	liveHandler := live.New(deps.Hub, liveOpts)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		// Register ballot routes
		ballotHandler.RegisterRoutes(api)

		// Server-sent events fallback for viewers
		liveHandler.RegisterSSERoutes(api)
	})

	liveHandler.RegisterWebSocketRoutes(r)

	return r
}
