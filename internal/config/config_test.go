package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sanbao.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SANBAO_CONFIG", "")
	t.Setenv("SANBAO_API_KEYS", " k1 , ,k2")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sanbao_request_duration", cfg.Metrics.Name)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := writeFile(t, `
port: 9090
log:
  level: debug
  format: json
rate_limit:
  per_minute: 10
  window: 1m
webhooks:
  - id: billing
    url: https://hooks.example.com/billing
    events: [payment.succeeded]
    secret: whsec_test
    timeout: 5s
  - id: off
    url: https://hooks.example.com/off
    events: ["*"]
    active: false
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	require.Len(t, cfg.Webhooks, 2)
	assert.Equal(t, 5*time.Second, cfg.Webhooks[0].Timeout)
	assert.True(t, cfg.Webhooks[0].IsActive())
	assert.False(t, cfg.Webhooks[1].IsActive())
}

func TestLoad_RejectsPrivateWebhook(t *testing.T) {
	path := writeFile(t, `
webhooks:
  - id: internal
    url: http://169.254.169.254/latest
    events: [user.created]
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private or invalid")
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &config.Config{
		Port: 0,
		Log:  config.LogConfig{Format: "xml"},
		Webhooks: []config.WebhookConfig{
			{ID: "a", URL: "https://example.com"},
			{ID: "a", URL: "https://example.com", Events: []string{"x"}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"port", "log format", "rate_limit.window", "jobs.concurrency", "at least one event", "duplicate id"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
