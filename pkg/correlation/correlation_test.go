package correlation_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sanbao-ai/sanbao/backend/pkg/correlation"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", correlation.FromContext(ctx))

	ctx = correlation.WithID(ctx, "req-1")
	assert.Equal(t, "req-1", correlation.FromContext(ctx))

	assert.Equal(t, "req-1", correlation.FromContext(correlation.WithID(ctx, "")), "empty id keeps the existing one")
}

func TestNew(t *testing.T) {
	id := correlation.New()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, correlation.New())
}

func TestValid(t *testing.T) {
	assert.True(t, correlation.Valid("abc-123"))
	assert.True(t, correlation.Valid(strings.Repeat("a", 128)))
	assert.False(t, correlation.Valid(""))
	assert.False(t, correlation.Valid(strings.Repeat("a", 129)))
	assert.False(t, correlation.Valid("has space"))
	assert.False(t, correlation.Valid("line\nbreak"))
	assert.False(t, correlation.Valid("ünicode"))
}
