// Package webhook delivers application events to configured outbound
// webhooks with HMAC-SHA256 signing, retries and a persisted delivery log.
//
// Every target URL is re-checked against the SSRF guard at send time, since
// DNS for a hostname that was public at configuration time can change.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/jobs"
	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/internal/ssrf"
	"github.com/sanbao-ai/sanbao/backend/internal/store"
	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

// JobName is the job queue name the dispatcher's Processor is registered under.
const JobName = "webhook"

const (
	// BlockedMessage is recorded for deliveries refused by the URL guard.
	BlockedMessage = "Blocked: URL points to internal/reserved network"

	maxResponseLen     = 1000
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
)

// URLChecker decides whether an outbound URL may be contacted.
// *ssrf.Guard satisfies it.
type URLChecker interface {
	Allow(ctx context.Context, raw string) bool
}

// Job is the payload carried by the webhook job.
type Job struct {
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

type body struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Dispatcher sends events to every subscribed webhook.
type Dispatcher struct {
	hooks   []models.Webhook
	store   store.DeliveryStore
	checker URLChecker
	client  *http.Client
	backoff time.Duration
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client, which refuses to dial
// internal addresses.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithBackoff sets the initial retry interval.
func WithBackoff(interval time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = interval }
}

// NewDispatcher creates a dispatcher for hooks. Deliveries are written to ds.
func NewDispatcher(hooks []models.Webhook, ds store.DeliveryStore, checker URLChecker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:   hooks,
		store:   ds,
		checker: checker,
		client:  newHTTPClient(),
		backoff: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   ssrf.DialControl,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	// A proxy would be dialed in place of the target.
	transport.Proxy = nil

	return &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
		// Redirect targets are not vetted by the guard.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// FromConfig converts configured subscriptions into models, applying defaults.
func FromConfig(cfgs []config.WebhookConfig) []models.Webhook {
	hooks := make([]models.Webhook, 0, len(cfgs))
	for _, c := range cfgs {
		w := models.Webhook{
			ID:          c.ID,
			URL:         c.URL,
			Events:      c.Events,
			Secret:      c.Secret,
			Active:      c.IsActive(),
			Timeout:     c.Timeout,
			MaxAttempts: c.MaxAttempts,
		}
		if w.Timeout <= 0 {
			w.Timeout = defaultTimeout
		}
		if w.MaxAttempts <= 0 {
			w.MaxAttempts = defaultMaxAttempts
		}
		hooks = append(hooks, w)
	}
	return hooks
}

// Webhooks returns the configured subscriptions.
func (d *Dispatcher) Webhooks() []models.Webhook {
	out := make([]models.Webhook, len(d.hooks))
	copy(out, d.hooks)
	return out
}

// Dispatch delivers event to every active subscriber concurrently and
// returns the recorded deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload map[string]interface{}) []models.WebhookDelivery {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []models.WebhookDelivery
	)

	for i := range d.hooks {
		hook := d.hooks[i]
		if !hook.Active || !hook.Subscribes(event) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := d.deliver(ctx, &hook, event, payload)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// Test sends a "webhook.test" event to one webhook regardless of its
// event subscriptions.
func (d *Dispatcher) Test(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	for i := range d.hooks {
		if d.hooks[i].ID == id {
			r := d.deliver(ctx, &d.hooks[i], "webhook.test", map[string]interface{}{
				"message": "This is a test delivery",
			})
			return &r, nil
		}
	}
	return nil, &store.ErrNotFound{Entity: "webhook", Key: id}
}

// Processor returns the job processor that fans a Job out to subscribers.
func (d *Dispatcher) Processor() jobs.Processor {
	return func(ctx context.Context, data json.RawMessage) error {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return jobs.Permanent(fmt.Errorf("decode webhook job: %w", err))
		}
		if job.Event == "" {
			return jobs.Permanent(errors.New("webhook job has no event"))
		}
		// Failed deliveries are recorded, not retried at the job level.
		d.Dispatch(ctx, job.Event, job.Payload)
		return nil
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook *models.Webhook, event string, payload map[string]interface{}) models.WebhookDelivery {
	logger := logging.FromContext(ctx)
	delivery := models.WebhookDelivery{
		WebhookID: hook.ID,
		Event:     event,
		Payload:   payload,
		RequestID: correlation.FromContext(ctx),
	}

	if !d.checker.Allow(ctx, hook.URL) {
		delivery.Error = BlockedMessage
		logger.Warn().Str("webhook", hook.ID).Str("event", event).Msg("Webhook URL blocked by SSRF guard")
		d.persist(ctx, &delivery)
		return delivery
	}

	raw, err := json.Marshal(body{Event: event, Data: payload, Timestamp: d.now().UTC()})
	if err != nil {
		delivery.Error = fmt.Sprintf("marshal webhook payload: %v", err)
		d.persist(ctx, &delivery)
		return delivery
	}
	signature := Sign(hook.Secret, raw)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoff
	attempts := max(hook.MaxAttempts, 1)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	err = backoff.Retry(func() error {
		delivery.Attempts++
		status, resp, err := d.send(ctx, hook, event, signature, raw)
		delivery.StatusCode = status
		delivery.Response = resp
		if err != nil {
			return err
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("webhook HTTP %d from %s", status, hook.URL)
		}
		return nil
	}, policy)

	if err != nil {
		delivery.Error = err.Error()
		logger.Warn().Err(err).Str("webhook", hook.ID).Str("event", event).Int("attempts", delivery.Attempts).Msg("Webhook delivery failed")
	} else {
		delivery.Success = true
		logger.Info().Str("webhook", hook.ID).Str("event", event).Int("status", delivery.StatusCode).Msg("Webhook delivered")
	}

	d.persist(ctx, &delivery)
	return delivery
}

func (d *Dispatcher) send(ctx context.Context, hook *models.Webhook, event, signature string, raw []byte) (int, string, error) {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(raw))
	if err != nil {
		return 0, "", backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Sanbao-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Signature", signature)
	if id := correlation.FromContext(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, ssrf.ErrBlockedAddress) {
			return 0, "", backoff.Permanent(err)
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4*maxResponseLen))
	return resp.StatusCode, truncate(string(text), maxResponseLen), nil
}

func (d *Dispatcher) persist(ctx context.Context, delivery *models.WebhookDelivery) {
	if err := d.store.CreateDelivery(context.WithoutCancel(ctx), delivery); err != nil {
		log.Error().Err(err).Str("webhook", delivery.WebhookID).Msg("Failed to record webhook delivery")
	}
}

// Sign returns the X-Webhook-Signature value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
