package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
	"github.com/sanbao-ai/sanbao/backend/internal/jobs"
	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
)

func newInlineQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	q, err := jobs.New(config.JobsConfig{Concurrency: 2, MaxAttempts: 3, Backoff: time.Millisecond})
	require.NoError(t, err)
	require.True(t, q.Inline())
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func TestEnqueue_RunsProcessor(t *testing.T) {
	q := newInlineQueue(t)

	got := make(chan map[string]string, 1)
	require.NoError(t, q.Register("greet", func(ctx context.Context, data json.RawMessage) error {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return jobs.Permanent(err)
		}
		m["request_id"] = correlation.FromContext(ctx)
		got <- m
		return nil
	}))

	ctx := correlation.WithID(context.Background(), "req-42")
	require.NoError(t, q.Enqueue(ctx, "greet", map[string]string{"name": "ada"}))

	select {
	case m := <-got:
		assert.Equal(t, "ada", m["name"])
		assert.Equal(t, "req-42", m["request_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not run")
	}
}

func TestEnqueue_UnknownJob(t *testing.T) {
	q := newInlineQueue(t)
	err := q.Enqueue(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, jobs.ErrUnknownJob)
}

func TestEnqueue_RetriesUntilMaxAttempts(t *testing.T) {
	q := newInlineQueue(t)

	var calls atomic.Int32
	require.NoError(t, q.Register("flaky", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	require.NoError(t, q.Enqueue(context.Background(), "flaky", nil))

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEnqueue_SucceedsAfterRetry(t *testing.T) {
	q := newInlineQueue(t)

	var calls atomic.Int32
	require.NoError(t, q.Register("eventually", func(context.Context, json.RawMessage) error {
		if calls.Add(1) < 2 {
			return errors.New("not yet")
		}
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), "eventually", nil))

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestEnqueue_PermanentErrorStops(t *testing.T) {
	q := newInlineQueue(t)

	var calls atomic.Int32
	require.NoError(t, q.Register("bad", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return jobs.Permanent(errors.New("invalid payload"))
	}))
	require.NoError(t, q.Enqueue(context.Background(), "bad", nil))

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnqueue_AfterClose(t *testing.T) {
	q := newInlineQueue(t)
	require.NoError(t, q.Register("noop", func(context.Context, json.RawMessage) error { return nil }))
	require.NoError(t, q.Close(context.Background()))

	assert.ErrorIs(t, q.Enqueue(context.Background(), "noop", nil), jobs.ErrClosed)
	assert.ErrorIs(t, q.Register("other", nil), jobs.ErrClosed)
}

func TestClose_WaitsForInFlight(t *testing.T) {
	q := newInlineQueue(t)

	var finished atomic.Bool
	require.NoError(t, q.Register("slow", func(context.Context, json.RawMessage) error {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), "slow", nil))

	require.NoError(t, q.Close(context.Background()))
	assert.True(t, finished.Load())
}

func TestClose_DeadlineExceeded(t *testing.T) {
	q := newInlineQueue(t)

	release := make(chan struct{})
	require.NoError(t, q.Register("stuck", func(context.Context, json.RawMessage) error {
		<-release
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), "stuck", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	close(release)
}

func TestNew_UnreachableNATS(t *testing.T) {
	_, err := jobs.New(config.JobsConfig{NATSURL: "nats://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestEnqueue_DoesNotWaitForFreeSlot(t *testing.T) {
	q, err := jobs.New(config.JobsConfig{Concurrency: 1, MaxAttempts: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, q.Register("blocking", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		<-release
		return nil
	}))

	enqueued := make(chan error, 1)
	go func() {
		ctx := context.Background()
		if err := q.Enqueue(ctx, "blocking", nil); err != nil {
			enqueued <- err
			return
		}
		enqueued <- q.Enqueue(ctx, "blocking", nil)
	}()
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked behind a running job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond,
		"jobs still waiting for a slot are dropped after the deadline")
}

func TestEnqueue_BacklogDrainsOnClose(t *testing.T) {
	q, err := jobs.New(config.JobsConfig{Concurrency: 1, MaxAttempts: 1})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, q.Register("count", func(context.Context, json.RawMessage) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "count", i))
	}

	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, int32(5), calls.Load())
}
