// Package jobs runs named background jobs either through NATS queue groups
// or, when no NATS URL is configured, inline in this process.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/logging"
	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
)

var (
	// ErrUnknownJob is returned by Enqueue for names with no registered Processor.
	ErrUnknownJob = errors.New("unknown job")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("job queue closed")
)

// Processor handles one job payload. Returning an error wrapped with
// Permanent stops further attempts.
type Processor func(ctx context.Context, data json.RawMessage) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type envelope struct {
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data"`
	RequestID  string          `json:"request_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue dispatches jobs to registered processors.
type Queue struct {
	cfg config.JobsConfig

	mu         sync.RWMutex
	processors map[string]Processor
	subs       []*nats.Subscription
	closed     bool

	conn       *nats.Conn
	connClosed chan struct{}

	group   *errgroup.Group
	pending sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a queue. With cfg.NATSURL set it connects to NATS and fails if
// the server is unreachable.
func New(cfg config.JobsConfig) (*Queue, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "sanbao.jobs"
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)

	q := &Queue{
		cfg:        cfg,
		processors: make(map[string]Processor),
		group:      g,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.NATSURL == "" {
		log.Info().Int("concurrency", cfg.Concurrency).Msg("Job queue running inline (no NATS configured)")
		return q, nil
	}

	q.connClosed = make(chan struct{})
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("sanbao-jobs"),
		nats.ClosedHandler(func(*nats.Conn) { close(q.connClosed) }),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	q.conn = conn

	log.Info().Str("url", cfg.NATSURL).Str("subject_prefix", cfg.SubjectPrefix).
		Str("queue_group", cfg.QueueGroup).Msg("Job queue connected to NATS")
	return q, nil
}

// Inline reports whether jobs run in this process without a broker.
func (q *Queue) Inline() bool {
	return q.conn == nil
}

// Register binds a processor to a job name. In NATS mode it also joins the
// queue group for the job's subject.
func (q *Queue) Register(name string, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.processors[name] = p

	if q.conn == nil {
		return nil
	}
	sub, err := q.conn.QueueSubscribe(q.subject(name), q.cfg.QueueGroup, q.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject(name), err)
	}
	q.subs = append(q.subs, sub)
	return nil
}

// Enqueue schedules a job. data is JSON-encoded. Enqueue never waits for a
// job to run: in inline mode jobs beyond Concurrency queue up in memory.
func (q *Queue) Enqueue(ctx context.Context, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", name, err)
	}
	env := envelope{
		Name:       name,
		Data:       raw,
		RequestID:  correlation.FromContext(ctx),
		EnqueuedAt: time.Now().UTC(),
	}

	// Held until pending is incremented so Close cannot start waiting mid-enqueue.
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	p, ok := q.processors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if q.conn != nil {
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal %s envelope: %w", name, err)
		}
		if err := q.conn.Publish(q.subject(name), body); err != nil {
			return fmt.Errorf("publish %s job: %w", name, err)
		}
		return nil
	}

	q.pending.Add(1)
	job := func() error {
		defer q.pending.Done()
		if q.ctx.Err() != nil {
			log.Warn().Str("job", env.Name).Msg("Dropping job after shutdown deadline")
			return nil
		}
		q.run(env, p)
		return nil
	}
	if !q.group.TryGo(job) {
		go q.group.Go(job)
	}
	return nil
}

// Close stops accepting jobs and waits for in-flight work until ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if q.conn != nil {
		if err := q.conn.Drain(); err != nil {
			q.conn.Close()
		}
		select {
		case <-q.connClosed:
		case <-ctx.Done():
			q.conn.Close()
			q.cancel()
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) subject(name string) string {
	return q.cfg.SubjectPrefix + "." + name
}

func (q *Queue) handleMsg(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed job message")
		return
	}

	q.mu.RLock()
	p, ok := q.processors[env.Name]
	q.mu.RUnlock()
	if !ok {
		log.Warn().Str("job", env.Name).Msg("No processor for job")
		return
	}
	q.run(env, p)
}

// run executes a job with exponential backoff, up to MaxAttempts tries.
func (q *Queue) run(env envelope, p Processor) {
	ctx := q.ctx
	if env.RequestID != "" {
		ctx = correlation.WithID(ctx, env.RequestID)
		l := log.With().Str("request_id", env.RequestID).Logger()
		ctx = l.WithContext(ctx)
	}
	logger := logging.FromContext(ctx)

	b := backoff.NewExponentialBackOff()
	if q.cfg.Backoff > 0 {
		b.InitialInterval = q.cfg.Backoff
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := p(ctx, env.Data)
		if err != nil {
			logger.Debug().Err(err).Str("job", env.Name).Int("attempt", attempts).Msg("Job attempt failed")
		}
		return err
	}, policy)

	if err != nil {
		logger.Error().Err(err).Str("job", env.Name).Int("attempts", attempts).Msg("Job failed")
		return
	}
	logger.Debug().Str("job", env.Name).Int("attempts", attempts).
		Dur("queued", time.Since(env.EnqueuedAt)).Msg("Job completed")
}
