package api_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/api"
	"github.com/sanbao-ai/sanbao/backend/internal/api/handlers"
	"github.com/sanbao-ai/sanbao/backend/internal/api/middleware"
	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/jobs"
	"github.com/sanbao-ai/sanbao/backend/internal/ratelimit"
	"github.com/sanbao-ai/sanbao/backend/internal/reqmetrics"
	"github.com/sanbao-ai/sanbao/backend/internal/store"
	"github.com/sanbao-ai/sanbao/backend/internal/webhook"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

const testKey = "test-key"

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

type testEnv struct {
	handler http.Handler
	store   *store.MemoryStore
	queue   *jobs.Queue
	hits    *atomic.Int32
}

func newTestEnv(t *testing.T, perMinute int) *testEnv {
	t.Helper()

	var hits atomic.Int32
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(hookSrv.Close)

	cfg := &config.Config{
		Version:   "1.2.3",
		RateLimit: config.RateLimitConfig{PerMinute: perMinute, Window: time.Minute},
	}

	ms := store.NewMemoryStore()
	t.Cleanup(func() { _ = ms.Close() })

	q, err := jobs.New(config.JobsConfig{Concurrency: 2, MaxAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	hooks := []models.Webhook{{
		ID: "wh-1", URL: hookSrv.URL, Events: []string{"user.created"},
		Secret: "s", Active: true, Timeout: time.Second, MaxAttempts: 1,
	}}
	d := webhook.NewDispatcher(hooks, ms, allowAll{}, webhook.WithHTTPClient(hookSrv.Client()))
	require.NoError(t, q.Register(webhook.JobName, d.Processor()))

	rec := reqmetrics.New("")
	reg := prometheus.NewRegistry()
	reg.MustRegister(rec.Collector())

	h := handlers.New(ms, rec, allowAll{}, q, d, cfg.Version)
	router := api.NewRouter(cfg, h, api.Options{
		Auth:     middleware.NewAPIKeyAuth([]string{testKey}),
		Limiter:  ratelimit.New(),
		Gatherer: reg,
	})

	return &testEnv{handler: router, store: ms, queue: q, hits: &hits}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = env.do(t, http.MethodGet, "/version", nil)
	assert.Contains(t, w.Body.String(), `"1.2.3"`)
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)
	env.do(t, http.MethodGet, "/health", nil)
	env.do(t, http.MethodGet, "/health", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; version=0.0.4; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "# HELP sanbao_request_duration_ms Request duration in milliseconds\n"))
	assert.True(t, strings.HasSuffix(body, "\n"))
	assert.Contains(t, body, `sanbao_request_duration_ms_count{route="/health"} 2`)

	w = env.do(t, http.MethodGet, "/metrics/prometheus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `sanbao_request_duration_ms_bucket{route="/health",le="+Inf"} 2`)
}

func TestAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit-log", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPostEvent_AuditsAndDispatches(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"event":     "user.created",
		"actor_id":  "admin-1",
		"target":    "user",
		"target_id": "u-9",
		"data":      map[string]string{"email": "a@example.com"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.NoError(t, env.queue.Close(context.Background()))
	assert.Equal(t, int32(1), env.hits.Load())

	entries, err := env.store.ListAuditEntries(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user.created", entries[0].Action)
	assert.Equal(t, "u-9", entries[0].TargetID)
	assert.NotEmpty(t, entries[0].RequestID)

	deliveries, err := env.store.ListDeliveries(context.Background(), models.DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
}

func TestPostEvent_Validation(t *testing.T) {
	env := newTestEnv(t, 0)
	w := env.do(t, http.MethodPost, "/api/v1/events", map[string]string{"event": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestURLCheck(t *testing.T) {
	env := newTestEnv(t, 0)

	cases := []struct {
		url  string
		safe bool
		rule string
	}{
		{"https://example.com/hook", true, ""},
		{"http://169.254.169.254/latest/meta-data", false, "link-local-v4"},
		{"http://localhost:8080", false, "localhost"},
	}
	for _, tc := range cases {
		w := env.do(t, http.MethodPost, "/api/v1/url-check", map[string]string{"url": tc.url})
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.url, resp["url"])
		assert.Equal(t, tc.safe, resp["safe"], tc.url)
		if tc.rule != "" {
			assert.Equal(t, tc.rule, resp["rule"], tc.url)
		}
	}

	w := env.do(t, http.MethodPost, "/api/v1/url-check", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedAudit(t *testing.T, ms *store.MemoryStore) {
	t.Helper()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []models.AuditEntry{
		{ActorID: "admin-1", Action: "user.ban", Target: "user", TargetID: "u1", IP: "10.0.0.1", CreatedAt: base},
		{ActorID: "admin-2", Action: "=HYPERLINK(\"x\")", Target: "plan", CreatedAt: base.Add(24 * time.Hour)},
		{ActorID: "admin-1", Action: "user.unban", Target: "user, vip", TargetID: "u1", CreatedAt: base.Add(48 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, ms.CreateAuditEntry(context.Background(), &entries[i]))
	}
}

func TestAuditLog_JSON(t *testing.T) {
	env := newTestEnv(t, 0)
	seedAudit(t, env.store)

	w := env.do(t, http.MethodGet, "/api/v1/admin/audit-log?actor=admin-1&limit=1&page=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs  []models.AuditEntry `json:"logs"`
		Total int64               `json:"total"`
		Page  int                 `json:"page"`
		Limit int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 1, resp.Limit)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "user.ban", resp.Logs[0].Action, "newest first, page 2 is the older entry")

	w = env.do(t, http.MethodGet, "/api/v1/admin/audit-log?from=2025-03-02&to=2025-03-02T23:59:59Z", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/admin/audit-log?from=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/admin/audit-log?limit=500", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/admin/audit-log?page=0", nil).Code)
}

func TestAuditLog_CSV(t *testing.T) {
	env := newTestEnv(t, 0)
	seedAudit(t, env.store)

	w := env.do(t, http.MethodGet, "/api/v1/admin/audit-log?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	wantName := "audit-log-" + time.Now().UTC().Format("2006-01-02") + ".csv"
	assert.Equal(t, `attachment; filename="`+wantName+`"`, w.Header().Get("Content-Disposition"))

	body := w.Body.String()
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Date,ActorId,Action,Target,TargetId,IP", lines[0])
	assert.Equal(t, `2025-03-03T10:00:00.000Z,admin-1,user.unban,"user, vip",u1,`, lines[1])
	assert.Equal(t, `2025-03-02T10:00:00.000Z,admin-2,"`+"\t"+`=HYPERLINK(""x"")",plan,,`, lines[2])
	assert.Equal(t, "2025-03-01T10:00:00.000Z,admin-1,user.ban,user,u1,10.0.0.1", lines[3])

	records, err := csv.NewReader(strings.NewReader(body)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "user, vip", records[1][3])
}

func TestDeliveries(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	require.NoError(t, env.store.CreateDelivery(ctx, &models.WebhookDelivery{
		WebhookID: "wh-1", Event: "user.created", StatusCode: 200, Success: true, Attempts: 1,
	}))
	require.NoError(t, env.store.CreateDelivery(ctx, &models.WebhookDelivery{
		WebhookID: "wh-2", Event: "user.created", Error: webhook.BlockedMessage,
	}))

	w := env.do(t, http.MethodGet, "/api/v1/admin/webhooks/deliveries?success=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Deliveries []models.WebhookDelivery `json:"deliveries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Deliveries, 1)
	assert.Equal(t, "wh-2", resp.Deliveries[0].WebhookID)

	w = env.do(t, http.MethodGet, "/api/v1/admin/webhooks/deliveries?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Date", "WebhookId", "Event", "Status", "Success", "Attempts", "Error"}, records[0])
	assert.Equal(t, webhook.BlockedMessage, records[1][6])
	assert.Equal(t, "200", records[2][3])
	assert.Equal(t, "true", records[2][4])

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/admin/webhooks/deliveries?success=maybe", nil).Code)
}

func TestWebhooks_ListAndTest(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, http.MethodGet, "/api/v1/admin/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"wh-1"`)
	assert.NotContains(t, w.Body.String(), "secret")

	w = env.do(t, http.MethodPost, "/api/v1/admin/webhooks/wh-1/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.hits.Load())

	w = env.do(t, http.MethodPost, "/api/v1/admin/webhooks/missing/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitApplied(t *testing.T) {
	env := newTestEnv(t, 2)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/api/v1/admin/webhooks", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/v1/admin/webhooks", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Public routes are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
}
