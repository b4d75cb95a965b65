package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Port:      8080,
		Version:   "test",
		Log:       config.LogConfig{Level: "error", Format: "json"},
		Database:  config.DatabaseConfig{DataDir: t.TempDir()},
		Metrics:   config.MetricsConfig{Name: "sanbao_request_duration", Prometheus: true},
		RateLimit: config.RateLimitConfig{PerMinute: 60, Window: time.Minute, CleanupInterval: time.Minute},
		Jobs:      config.JobsConfig{Concurrency: 2, MaxAttempts: 1},
		URLGuard:  config.URLGuardConfig{ResolveDNS: false},
		Retention: config.RetentionConfig{AuditDays: 30, Interval: time.Hour, ArchiveDir: t.TempDir()},
		Auth:      config.AuthConfig{APIKeys: []string{"k"}},
	}
}

func TestNew_ServesAndShutsDown(t *testing.T) {
	srv, err := server.New(context.Background(), testConfig(t))
	require.NoError(t, err)

	for _, path := range []string{"/health", "/metrics", "/metrics/prometheus"} {
		w := httptest.NewRecorder()
		srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-log", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.NotEmpty(t, srv.Recorder.Snapshot())
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestNew_PrometheusDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Prometheus = false
	srv, err := server.New(context.Background(), cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_BadDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.URL = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"
	_, err := server.New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_UnwritableArchiveDir(t *testing.T) {
	cfg := testConfig(t)
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg.Retention.ArchiveDir = file

	_, err := server.New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention archive")
}
