package common

import (
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		level logger.LogLevel
		want  zapcore.Level
	}{
		{logger.DEBUG, zapcore.DebugLevel},
		{logger.INFO, zapcore.InfoLevel},
		{logger.WARNING, zapcore.WarnLevel},
		{logger.ERROR, zapcore.ErrorLevel},
		{logger.CRITICAL, zapcore.DPanicLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toZapLevel(tt.level), "level %d", tt.level)
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, logger.WARNING, lvl)

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestInitLoggersDefaultsToInfo(t *testing.T) {
	require.NoError(t, InitLoggers(""))
	assert.True(t, factoryInstalled.Load())

	// later calls only change the level
	require.NoError(t, InitLoggers("debug"))
	assert.Error(t, InitLoggers("loud"))
}
