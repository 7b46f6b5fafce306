package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-ballot/backend/internal/handler"
	"github.com/zhouzirui/z-ballot/backend/internal/handler/live"
	"github.com/zhouzirui/z-ballot/backend/internal/model/ballot"
	"github.com/zhouzirui/z-ballot/backend/internal/service/broadcast"
	"github.com/zhouzirui/z-ballot/backend/internal/service/credential"
	"github.com/zhouzirui/z-ballot/backend/internal/service/registry"
	"github.com/zhouzirui/z-ballot/backend/internal/service/voting"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ballot HTTP server",
		RunE:  serveRun,
	}
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var promRegistry *prometheus.Registry
	if cfg.Server.MetricsEnabled {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if cfg.Voting.SecretKey == "" {
		logger.Warn("SECRET_KEY not set, credential hashes use a per-process random key")
	}
	hasher, err := credential.NewHasher([]byte(cfg.Voting.SecretKey))
	if err != nil {
		return fmt.Errorf("credential hasher: %w", err)
	}
	creds, err := credential.NewStore(hasher, cfg.Voting.TokenBytes)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}

	hub := broadcast.NewHub(cfg.Live.SubscriberQueueSize, registerer(promRegistry), logger.With("component", "broadcast"))
	defer hub.Stop()

	controller, err := voting.NewController(voting.Config{
		MinDuration:     ballot.Minutes(cfg.Voting.MinDurationMinutes),
		MaxDuration:     ballot.Minutes(cfg.Voting.MaxDurationMinutes),
		DefaultDuration: ballot.Minutes(cfg.Voting.DefaultMinutes),
		ExpiryBuffer:    cfg.Voting.TokenExpireBuffer,
		PublicBaseURL:   cfg.Server.PublicBaseURL,
	}, registry.New(), creds, hub,
		voting.WithLogger(logger.With("component", "voting")),
		voting.WithPromRegistry(registerer(promRegistry)),
	)
	if err != nil {
		return fmt.Errorf("voting controller: %w", err)
	}
	defer controller.Shutdown()

	deps := handler.Deps{
		Engine:      controller,
		Hub:         hub,
		AllowOrigin: cfg.Server.OriginAllowed,
		Live:        live.Options{HeartbeatInterval: cfg.Live.HeartbeatInterval},
		Logger:      logger,
	}
	if promRegistry != nil {
		deps.Gatherer = promRegistry
	}

	addr, err := cfg.Server.Addr()
	if err != nil {
		return err
	}
	return startServer(cmd.Context(), logger, addr, handler.NewRouter(deps), hub.Stop)
}

// registerer avoids handing a typed nil registry to components that check
// for a nil interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func startServer(ctx context.Context, logger *slog.Logger, addr string, router http.Handler, onShutdown func()) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// viewer streams never finish on their own; release them so Shutdown
	// does not wait out its timeout
	if onShutdown != nil {
		srv.RegisterOnShutdown(onShutdown)
	}

	logger.Info("ballot backend listening", "addr", addr)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("ballot backend stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
