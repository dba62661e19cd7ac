package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signalgate/internal/config"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingEnabled(t *testing.T) {
	// The OTLP HTTP exporter does not dial at construction time, so this
	// succeeds even without a collector listening.
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:    true,
		Endpoint:   "http://localhost:4318",
		SampleRate: 0.5,
	}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
}
