// Package correlation carries the request ID (X-Request-Id) through a
// request's context so every log line and outbound job can be traced back to
// the request that caused it.
//
// This package lives in pkg/ (not internal/) so that job processors and
// external integrations can read the ID without importing the HTTP layer.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header that carries the correlation ID.
const Header = "X-Request-Id"

// maxLen bounds IDs accepted from clients.
const maxLen = 128

type contextKey string

const idKey contextKey = "correlation_id"

// New generates a fresh correlation ID.
func New() string {
	return uuid.NewString()
}

// WithID stores id in the context.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, idKey, id)
}

// FromContext returns the correlation ID, or "" when none is set.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(idKey).(string); ok {
		return v
	}
	return ""
}

// Valid reports whether a client supplied ID can be reused as is:
// 1 to 128 printable ASCII characters.
func Valid(id string) bool {
	if id == "" || len(id) > maxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
