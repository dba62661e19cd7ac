package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfish/signalgate/internal/config"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level   config.LogLevel
		debugOn bool
		warnOn  bool
	}{
		{config.LogLevelDebug, true, true},
		{config.LogLevelInfo, false, true},
		{config.LogLevelWarn, false, true},
		{config.LogLevelError, false, false},
		{"", false, true},        // default is info
		{"bogus", false, true},   // unknown falls back to info
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			logger := NewLogger(tt.level, config.LogFormatJSON)
			require.NotNil(t, logger)
			ctx := context.Background()
			assert.Equal(t, tt.debugOn, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.warnOn, logger.Enabled(ctx, slog.LevelWarn))
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatText))
	assert.NotNil(t, NewLogger(config.LogLevelInfo, config.LogFormatJSON))
}
