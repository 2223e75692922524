package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	log, err := NewFileLogger(path, "info")
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("Trade closed", zap.String("symbol", "BTCUSDT"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"symbol":"BTCUSDT"`)
	assert.NotContains(t, string(data), "hidden")
}
