package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanbao-ai/sanbao/backend/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(config.TelemetryConfig{Enabled: true}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
