// Package ratelimit implements a fixed-window request limiter keyed by an
// arbitrary string (API key, user ID, client IP).
//
// Counters live in process memory, so limits are per replica.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key in fixed windows.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request for key. The first request after a window
// expires opens a new window of the given length. Requests beyond limit are
// still counted and rejected until the window resets.
func (l *Limiter) Allow(key string, limit int, win time.Duration) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.resetAt.Before(now) {
		w = &window{count: 1, resetAt: now.Add(win)}
		l.windows[key] = w
		return Result{Allowed: limit > 0, Limit: limit, Remaining: max(limit-1, 0), ResetAt: w.resetAt}
	}

	w.count++
	return Result{
		Allowed:   w.count <= limit,
		Limit:     limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   w.resetAt,
	}
}

// Cleanup removes expired windows and returns how many were dropped.
func (l *Limiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.resetAt.Before(now) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
