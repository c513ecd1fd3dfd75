package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  zapcore.Level
	}{
		{"empty defaults to info", "", zapcore.InfoLevel},
		{"debug", "debug", zapcore.DebugLevel},
		{"upper case warn", "WARN", zapcore.WarnLevel},
		{"padded error", "  error ", zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, false)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("chatty", true)
	assert.Error(t, err)
}

func TestNewDevelopment(t *testing.T) {
	logger, err := New("info", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
