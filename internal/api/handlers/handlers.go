// Package handlers implements the HTTP handlers for the sanbao backend.
// All handlers depend on the Store interface, so the in-memory and
// PostgreSQL stores are interchangeable.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sanbao-ai/sanbao/backend/internal/reqmetrics"
	"github.com/sanbao-ai/sanbao/backend/internal/store"
	"github.com/sanbao-ai/sanbao/backend/internal/webhook"
)

// URLGuard decides whether a URL is safe to fetch. *ssrf.Guard satisfies it.
type URLGuard interface {
	Allow(ctx context.Context, raw string) bool
}

// Enqueuer schedules background jobs. *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, data any) error
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Metrics  *reqmetrics.Recorder
	Guard    URLGuard
	Jobs     Enqueuer
	Webhooks *webhook.Dispatcher
	Version  string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, rec *reqmetrics.Recorder, guard URLGuard, q Enqueuer, d *webhook.Dispatcher, version string) *Handlers {
	return &Handlers{
		Store:    s,
		Metrics:  rec,
		Guard:    guard,
		Jobs:     q,
		Webhooks: d,
		Version:  version,
	}
}

// ── Health & info ────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"service": "sanbao-backend",
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "sanbao-backend",
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "sanbao-backend",
	})
}

// RenderMetrics serves the request duration histograms in Prometheus text
// exposition format.
func (h *Handlers) RenderMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, h.Metrics.Render()+"\n")
}

// ── Helpers ──────────────────────────────────────────────────

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// parsePagination reads page (>= 1, default 1) and limit (1..100, default 50).
func parsePagination(r *http.Request) (page, limit int, err error) {
	page, limit = 1, defaultPageLimit
	if v := r.URL.Query().Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
		}
	}
	return page, limit, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
