// Package retention periodically archives and purges expired audit entries
// and webhook deliveries.
//
// Archiving is fail-safe: data is NOT deleted if archiving fails.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/store"
	"github.com/sanbao-ai/sanbao/backend/pkg/models"
)

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// Archiver persists expired records before they are purged.
type Archiver interface {
	Kind() string
	// Archive writes records of dataKind and returns where they went.
	Archive(ctx context.Context, dataKind string, records []any) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	AuditArchived      int
	AuditPurged        int64
	DeliveriesArchived int
	DeliveriesPurged   int64
	ArchiveURIs        []string
	Errors             []error
}

// Janitor archives and purges data older than the configured windows.
type Janitor struct {
	store     store.Store
	cfg       config.RetentionConfig
	archiver  Archiver
	now       func() time.Time
	scheduler gocron.Scheduler
}

// NewJanitor creates a janitor. archiver may be nil to purge without archiving.
func NewJanitor(s store.Store, cfg config.RetentionConfig, archiver Archiver) *Janitor {
	return &Janitor{
		store:    s,
		cfg:      cfg,
		archiver: archiver,
		now:      time.Now,
	}
}

// Enabled reports whether any retention window is set.
func (j *Janitor) Enabled() bool {
	return j.cfg.AuditDays > 0 || j.cfg.DeliveryDays > 0
}

// Start runs one cycle immediately and then every Interval.
func (j *Janitor) Start() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(j.cfg.Interval),
		gocron.NewTask(func(ctx context.Context) { j.RunCycle(ctx) }),
		gocron.WithName("retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule retention: %w", err)
	}
	s.Start()
	j.scheduler = s

	kind := "none"
	if j.archiver != nil {
		kind = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.cfg.Interval).
		Int("audit_days", j.cfg.AuditDays).
		Int("delivery_days", j.cfg.DeliveryDays).
		Str("archiver", kind).
		Msg("Retention janitor started")
	return nil
}

// Stop shuts the scheduler down, waiting for a running cycle.
func (j *Janitor) Stop() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	var stats CycleStats

	if j.cfg.AuditDays > 0 {
		cutoff := start.AddDate(0, 0, -j.cfg.AuditDays)
		if j.archiveAudit(ctx, cutoff, &stats) {
			n, err := j.store.PurgeAuditEntries(ctx, cutoff)
			if err != nil {
				stats.Errors = append(stats.Errors, err)
			}
			stats.AuditPurged = n
		} else {
			log.Warn().Msg("Audit archive failed, skipping purge")
		}
	}

	if j.cfg.DeliveryDays > 0 {
		cutoff := start.AddDate(0, 0, -j.cfg.DeliveryDays)
		if j.archiveDeliveries(ctx, cutoff, &stats) {
			n, err := j.store.PurgeDeliveries(ctx, cutoff)
			if err != nil {
				stats.Errors = append(stats.Errors, err)
			}
			stats.DeliveriesPurged = n
		} else {
			log.Warn().Msg("Delivery archive failed, skipping purge")
		}
	}

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.AuditPurged > 0 || stats.DeliveriesPurged > 0 {
		log.Info().
			Int64("purged_audit", stats.AuditPurged).
			Int64("purged_deliveries", stats.DeliveriesPurged).
			Int("archived_records", stats.AuditArchived+stats.DeliveriesArchived).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) archiveAudit(ctx context.Context, cutoff time.Time, stats *CycleStats) bool {
	if j.archiver == nil {
		return true
	}
	for offset := 0; ; offset += DefaultArchiveBatchSize {
		batch, err := j.store.ListAuditEntries(ctx, models.AuditFilter{
			Until: &cutoff, Limit: DefaultArchiveBatchSize, Offset: offset,
		})
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			return false
		}
		if len(batch) == 0 {
			return true
		}
		records := make([]any, len(batch))
		for i := range batch {
			records[i] = batch[i]
		}
		if !j.archive(ctx, "audit_log", records, stats) {
			return false
		}
		stats.AuditArchived += len(batch)
		if len(batch) < DefaultArchiveBatchSize {
			return true
		}
	}
}

func (j *Janitor) archiveDeliveries(ctx context.Context, cutoff time.Time, stats *CycleStats) bool {
	if j.archiver == nil {
		return true
	}
	for offset := 0; ; offset += DefaultArchiveBatchSize {
		batch, err := j.store.ListDeliveries(ctx, models.DeliveryFilter{
			Until: &cutoff, Limit: DefaultArchiveBatchSize, Offset: offset,
		})
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			return false
		}
		if len(batch) == 0 {
			return true
		}
		records := make([]any, len(batch))
		for i := range batch {
			records[i] = batch[i]
		}
		if !j.archive(ctx, "webhook_deliveries", records, stats) {
			return false
		}
		stats.DeliveriesArchived += len(batch)
		if len(batch) < DefaultArchiveBatchSize {
			return true
		}
	}
}

func (j *Janitor) archive(ctx context.Context, kind string, records []any, stats *CycleStats) bool {
	uri, err := j.archiver.Archive(ctx, kind, records)
	if err != nil {
		log.Warn().Err(err).
			Str("backend", j.archiver.Kind()).
			Str("kind", kind).
			Int("batch_size", len(records)).
			Msg("Failed to archive records")
		stats.Errors = append(stats.Errors, &archiveError{backend: j.archiver.Kind(), err: err})
		return false
	}
	stats.ArchiveURIs = append(stats.ArchiveURIs, uri)
	return true
}

// archiveError wraps a failure from an archive backend.
type archiveError struct {
	backend string
	err     error
}

func (e *archiveError) Error() string {
	return "archive driver " + e.backend + ": " + e.err.Error()
}

func (e *archiveError) Unwrap() error { return e.err }
