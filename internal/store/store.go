// Package store provides the storage interface and implementations for the
// sanbao backend: an in-memory store for local development and tests, and a
// PostgreSQL store for deployments.
package store

import (
	"context"
	"time"

	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

// Store is the primary storage interface. Handlers and job processors depend
// on this interface, so the in-memory and PostgreSQL implementations are
// interchangeable.
type Store interface {
	AuditStore
	DeliveryStore
	RetentionStore

	// Ping checks if the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEntry persists an audit entry. ID and CreatedAt are filled in when empty.
	CreateAuditEntry(ctx context.Context, entry *models.AuditEntry) error

	// ListAuditEntries returns matching entries, newest first.
	ListAuditEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)

	// CountAuditEntries ignores Limit and Offset.
	CountAuditEntries(ctx context.Context, filter models.AuditFilter) (int64, error)
}

// ── Delivery Store ──────────────────────────────────────────

type DeliveryStore interface {
	// CreateDelivery persists a webhook delivery outcome.
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error

	// ListDeliveries returns matching deliveries, newest first.
	ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]models.WebhookDelivery, error)
}

// ── Retention ───────────────────────────────────────────────

type RetentionStore interface {
	// PurgeAuditEntries deletes entries created at or before until.
	PurgeAuditEntries(ctx context.Context, until time.Time) (int64, error)

	// PurgeDeliveries deletes deliveries created at or before until.
	PurgeDeliveries(ctx context.Context, until time.Time) (int64, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
