// Package models defines the records shared by the store, the HTTP handlers
// and the background job processors.
package models

import "time"

// ── Audit Log ───────────────────────────────────────────────

// AuditEntry records one administrative or user action.
type AuditEntry struct {
	ID        string                 `json:"id" db:"id"`
	ActorID   string                 `json:"actor_id" db:"actor_id"`
	Action    string                 `json:"action" db:"action"`
	Target    string                 `json:"target" db:"target"`
	TargetID  string                 `json:"target_id,omitempty" db:"target_id"`
	IP        string                 `json:"ip,omitempty" db:"ip"`
	RequestID string                 `json:"request_id,omitempty" db:"request_id"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// AuditFilter provides query options for listing audit entries.
type AuditFilter struct {
	ActorID string
	Action  string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}

// Matches reports whether e passes every non-empty filter field.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// ── Webhooks ────────────────────────────────────────────────

// Webhook is an outbound subscription. Secret signs every delivery.
type Webhook struct {
	ID          string        `json:"id"`
	URL         string        `json:"url"`
	Events      []string      `json:"events"`
	Secret      string        `json:"-"`
	Active      bool          `json:"active"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

// Subscribes reports whether the webhook wants event. "*" matches everything.
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// WebhookDelivery is the outcome of dispatching one event to one webhook.
type WebhookDelivery struct {
	ID         string                 `json:"id" db:"id"`
	WebhookID  string                 `json:"webhook_id" db:"webhook_id"`
	Event      string                 `json:"event" db:"event"`
	Payload    map[string]interface{} `json:"payload,omitempty" db:"payload"`
	StatusCode int                    `json:"status_code,omitempty" db:"status_code"`
	Response   string                 `json:"response,omitempty" db:"response"`
	Success    bool                   `json:"success" db:"success"`
	Attempts   int                    `json:"attempts" db:"attempts"`
	Error      string                 `json:"error,omitempty" db:"error"`
	RequestID  string                 `json:"request_id,omitempty" db:"request_id"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}

// DeliveryFilter provides query options for listing webhook deliveries.
type DeliveryFilter struct {
	WebhookID string
	Event     string
	Success   *bool
	Until     *time.Time
	Limit     int
	Offset    int
}

// Matches reports whether d passes every non-empty filter field.
func (f DeliveryFilter) Matches(d *WebhookDelivery) bool {
	if f.WebhookID != "" && d.WebhookID != f.WebhookID {
		return false
	}
	if f.Event != "" && d.Event != f.Event {
		return false
	}
	if f.Success != nil && d.Success != *f.Success {
		return false
	}
	if f.Until != nil && d.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// ── Events ──────────────────────────────────────────────────

// Event is an application event submitted through the API. It is written to
// the audit log and fanned out to subscribed webhooks.
type Event struct {
	Name     string                 `json:"event"`
	ActorID  string                 `json:"actor_id"`
	Target   string                 `json:"target"`
	TargetID string                 `json:"target_id,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}
