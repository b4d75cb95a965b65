package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Str("host", poolCfg.ConnConfig.Host).Int32("max_conns", poolCfg.MaxConns).Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id         TEXT PRIMARY KEY,
			actor_id   TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			target_id  TEXT NOT NULL DEFAULT '',
			ip         TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			details    JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log (created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log (actor_id);

		CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id          TEXT PRIMARY KEY,
			webhook_id  TEXT NOT NULL,
			event       TEXT NOT NULL,
			payload     JSONB,
			status_code INTEGER NOT NULL DEFAULT 0,
			response    TEXT NOT NULL DEFAULT '',
			success     BOOLEAN NOT NULL DEFAULT FALSE,
			attempts    INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			request_id  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries (webhook_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries (created_at);
	`)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target, target_id, ip, request_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ActorID, e.Action, e.Target, e.TargetID, e.IP, e.RequestID, e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	q, args := listAuditSQL(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditEntry, error) {
		var e models.AuditEntry
		err := row.Scan(&e.ID, &e.ActorID, &e.Action, &e.Target, &e.TargetID, &e.IP, &e.RequestID, &e.Details, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) CountAuditEntries(ctx context.Context, f models.AuditFilter) (int64, error) {
	q, args := countAuditSQL(f)
	var n int64
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// ── Delivery Store ──────────────────────────────────────────

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries
			(id, webhook_id, event, payload, status_code, response, success, attempts, error, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.WebhookID, d.Event, d.Payload, d.StatusCode, d.Response, d.Success, d.Attempts, d.Error, d.RequestID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, f models.DeliveryFilter) ([]models.WebhookDelivery, error) {
	q, args := listDeliveriesSQL(f)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.WebhookDelivery, error) {
		var d models.WebhookDelivery
		err := row.Scan(&d.ID, &d.WebhookID, &d.Event, &d.Payload, &d.StatusCode, &d.Response,
			&d.Success, &d.Attempts, &d.Error, &d.RequestID, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan webhook deliveries: %w", err)
	}
	return out, nil
}

// ── Retention ───────────────────────────────────────────────

func (s *PostgresStore) PurgeAuditEntries(ctx context.Context, until time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at <= $1`, until)
	if err != nil {
		return 0, fmt.Errorf("purge audit log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeDeliveries(ctx context.Context, until time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_deliveries WHERE created_at <= $1`, until)
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
