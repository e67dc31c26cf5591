package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		config LoggerConfig
		level  zapcore.Level
	}{
		{"production", LoggerConfig{ServiceName: "test"}, zapcore.InfoLevel},
		{"development", LoggerConfig{ServiceName: "test", Development: true}, zapcore.DebugLevel},
		{"quiet", LoggerConfig{ServiceName: "test", Quiet: true, Development: true}, zapcore.ErrorLevel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := NewLogger(tc.config)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.level))
			assert.False(t, logger.Core().Enabled(tc.level-1))
		})
	}
}

func TestWithTraceEmptyID(t *testing.T) {
	logger := NewNopLogger()
	assert.Same(t, logger.Logger, logger.WithTrace(""))
	assert.NotSame(t, logger.Logger, logger.WithTrace("abc"))
}
