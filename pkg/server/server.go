// Package server provides the public entry point for initializing the
// sanbao backend.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// compose the server with their own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx, cfg)
//	defer srv.Shutdown(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/internal/api"
	"github.com/sanbao-ai/sanbao/backend/internal/api/handlers"
	"github.com/sanbao-ai/sanbao/backend/internal/api/middleware"
	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/jobs"
	"github.com/sanbao-ai/sanbao/backend/internal/ratelimit"
	"github.com/sanbao-ai/sanbao/backend/internal/reqmetrics"
	"github.com/sanbao-ai/sanbao/backend/internal/retention"
	"github.com/sanbao-ai/sanbao/backend/internal/ssrf"
	"github.com/sanbao-ai/sanbao/backend/internal/store"
	"github.com/sanbao-ai/sanbao/backend/internal/telemetry"
	"github.com/sanbao-ai/sanbao/backend/internal/webhook"
)

// Server holds the initialized backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory unless DATABASE_URL is set).
	Store store.Store

	// Recorder holds the per-route request duration histograms.
	Recorder *reqmetrics.Recorder

	// Port is the port the server should listen on.
	Port int

	queue         *jobs.Queue
	guard         *ssrf.Guard
	janitor       *ratelimit.Janitor
	retention     *retention.Janitor
	telemetryStop func(context.Context) error
}

// New initializes all components from cfg and returns a ready Server.
// Components created before a failure are released.
func New(ctx context.Context, cfg *config.Config) (srv *Server, err error) {
	s := &Server{Port: cfg.Port}
	defer func() {
		if err != nil {
			_ = s.Shutdown(context.Background())
		}
	}()

	s.telemetryStop, err = telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	s.Store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	s.Recorder = reqmetrics.New(cfg.Metrics.Name)

	guardOpts := []ssrf.Option{
		ssrf.WithCacheTTL(cfg.URLGuard.CacheTTL),
		ssrf.WithTimeout(cfg.URLGuard.Timeout),
	}
	if !cfg.URLGuard.ResolveDNS {
		guardOpts = append(guardOpts, ssrf.WithResolver(nil))
	}
	s.guard, err = ssrf.NewGuard(guardOpts...)
	if err != nil {
		return nil, fmt.Errorf("init url guard: %w", err)
	}

	s.queue, err = jobs.New(cfg.Jobs)
	if err != nil {
		return nil, fmt.Errorf("init job queue: %w", err)
	}

	dispatcher := webhook.NewDispatcher(webhook.FromConfig(cfg.Webhooks), s.Store, s.guard,
		webhook.WithBackoff(cfg.Jobs.Backoff))
	if err := s.queue.Register(webhook.JobName, dispatcher.Processor()); err != nil {
		return nil, fmt.Errorf("register webhook job: %w", err)
	}
	log.Info().Int("webhooks", len(cfg.Webhooks)).Msg("Webhook dispatcher initialized")

	limiter := ratelimit.New()
	if cfg.RateLimit.PerMinute > 0 && cfg.RateLimit.CleanupInterval > 0 {
		s.janitor, err = ratelimit.StartJanitor(limiter, cfg.RateLimit.CleanupInterval)
		if err != nil {
			return nil, fmt.Errorf("start rate limit janitor: %w", err)
		}
	}

	var archiver retention.Archiver
	if cfg.Retention.ArchiveDir != "" {
		local := retention.NewLocalFileArchiver(cfg.Retention.ArchiveDir, cfg.Retention.Compress)
		if err := local.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("retention archive: %w", err)
		}
		archiver = local
	}
	if rj := retention.NewJanitor(s.Store, cfg.Retention, archiver); rj.Enabled() {
		if err := rj.Start(); err != nil {
			return nil, fmt.Errorf("start retention janitor: %w", err)
		}
		s.retention = rj
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Prometheus {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			s.Recorder.Collector(),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gatherer = reg
	}

	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)
	if !auth.Enabled() {
		log.Warn().Msg("No API keys configured: /api/v1 is unauthenticated")
	}

	h := handlers.New(s.Store, s.Recorder, s.guard, s.queue, dispatcher, cfg.Version)
	s.Handler = api.NewRouter(cfg, h, api.Options{
		Auth:     auth,
		Limiter:  limiter,
		Gatherer: gatherer,
	})

	return s, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.URL == "" {
		var opts []store.MemoryOption
		if cfg.DataDir != "" {
			opts = append(opts, store.WithDataDir(cfg.DataDir))
		}
		log.Info().Str("data_dir", cfg.DataDir).Msg("In-memory store initialized")
		return store.NewMemoryStore(opts...), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	return pg, nil
}

// Shutdown drains background work and releases resources. Call it after the
// HTTP server has stopped accepting requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.janitor != nil {
		errs = append(errs, s.janitor.Stop())
	}
	if s.retention != nil {
		errs = append(errs, s.retention.Stop())
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close(ctx))
	}
	if s.guard != nil {
		s.guard.Close()
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.telemetryStop != nil {
		errs = append(errs, s.telemetryStop(ctx))
	}
	return errors.Join(errs...)
}
