package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanbao-ai/sanbao/backend/internal/api/handlers"
	"github.com/sanbao-ai/sanbao/backend/internal/api/middleware"
	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/ratelimit"
)

// Options carries the router's non-handler dependencies.
type Options struct {
	Auth    *middleware.APIKeyAuth
	Limiter *ratelimit.Limiter
	// Gatherer backs /metrics/prometheus. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, opts Options) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Correlation)
	r.Use(middleware.Logger)
	r.Use(middleware.Metrics(h.Metrics))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// Health, info & metrics
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Get("/metrics", h.RenderMetrics)
	if opts.Gatherer != nil {
		r.Handle("/metrics/prometheus", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		if opts.Limiter != nil {
			r.Use(middleware.RateLimit(opts.Limiter, cfg.RateLimit.PerMinute, cfg.RateLimit.Window))
		}

		r.Post("/events", h.PostEvent)
		r.Post("/url-check", h.CheckURL)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit-log", h.ListAuditLog)

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/", h.ListWebhooks)
				r.Get("/deliveries", h.ListDeliveries)
				r.Post("/{webhookId}/test", h.TestWebhook)
			})
		})
	})

	return r
}
