package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Audit      []*models.AuditEntry      `json:"audit"`
	Deliveries []*models.WebhookDelivery `json:"deliveries"`
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory slices. Entries are kept in
// insertion order (oldest first) and capped at maxEntries per collection.
type MemoryStore struct {
	mu         sync.RWMutex
	audit      []*models.AuditEntry
	deliveries []*models.WebhookDelivery
	maxEntries int

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{}
	closeOnce    sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithDataDir persists the store to dir/data.json and reloads it on start.
func WithDataDir(dir string) MemoryOption {
	return func(m *MemoryStore) {
		if dir == "" {
			return
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot create data dir, persistence disabled")
			return
		}
		m.snapshotPath = filepath.Join(dir, "data.json")
	}
}

// WithMaxEntries caps each collection; the oldest entries are dropped first.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryStore) { m.maxEntries = n }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		maxEntries: 50_000,
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Int("max_entries", m.maxEntries).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")
	return m
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	cp := *entry
	m.audit = append(m.audit, &cp)
	if m.maxEntries > 0 && len(m.audit) > m.maxEntries {
		m.audit = m.audit[len(m.audit)-m.maxEntries:]
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []models.AuditEntry{}
	skip := filter.Offset
	for i := len(m.audit) - 1; i >= 0; i-- { // newest first
		e := m.audit[i]
		if !filter.Matches(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		result = append(result, *e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountAuditEntries(_ context.Context, filter models.AuditFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, e := range m.audit {
		if filter.Matches(e) {
			count++
		}
	}
	return count, nil
}

// ── Delivery Store ──────────────────────────────────────────

func (m *MemoryStore) CreateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	cp := *d
	m.deliveries = append(m.deliveries, &cp)
	if m.maxEntries > 0 && len(m.deliveries) > m.maxEntries {
		m.deliveries = m.deliveries[len(m.deliveries)-m.maxEntries:]
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, filter models.DeliveryFilter) ([]models.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []models.WebhookDelivery{}
	skip := filter.Offset
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		d := m.deliveries[i]
		if !filter.Matches(d) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		result = append(result, *d)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// ── Retention ───────────────────────────────────────────────

func (m *MemoryStore) PurgeAuditEntries(_ context.Context, until time.Time) (int64, error) {
	m.mu.Lock()
	var n int64
	m.audit, n = purge(m.audit, func(e *models.AuditEntry) bool { return !e.CreatedAt.After(until) })
	m.mu.Unlock()
	if n > 0 {
		m.requestSave()
	}
	return n, nil
}

func (m *MemoryStore) PurgeDeliveries(_ context.Context, until time.Time) (int64, error) {
	m.mu.Lock()
	var n int64
	m.deliveries, n = purge(m.deliveries, func(d *models.WebhookDelivery) bool { return !d.CreatedAt.After(until) })
	m.mu.Unlock()
	if n > 0 {
		m.requestSave()
	}
	return n, nil
}

// purge filters s in place, dropping items for which expired is true.
func purge[T any](s []*T, expired func(*T) bool) ([]*T, int64) {
	kept := s[:0]
	for _, v := range s {
		if !expired(v) {
			kept = append(kept, v)
		}
	}
	removed := int64(len(s) - len(kept))
	clear(s[len(kept):])
	return kept, removed
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			log.Info().Msg("Flushing final snapshot before shutdown...")
			m.saveSnapshot()
		}
		log.Info().Msg("Memory store closed")
	})
	return nil
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond):
			}
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	data, err := json.Marshal(snapshot{Audit: m.audit, Deliveries: m.deliveries})
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = snap.Audit
	m.deliveries = snap.Deliveries
	log.Info().
		Int("audit", len(m.audit)).
		Int("deliveries", len(m.deliveries)).
		Msg("Loaded snapshot")
}
