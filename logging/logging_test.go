package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestGetLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		cfg := &Config{Level: tt.level}
		assert.Equal(t, tt.want, cfg.GetLevel(), "level %q", tt.level)
	}

	var nilCfg *Config
	assert.Equal(t, zapcore.InfoLevel, nilCfg.GetLevel())
	assert.Equal(t, 50, nilCfg.GetMaxSize())
	assert.Equal(t, 10, nilCfg.GetMaxBackups())
	assert.Equal(t, 7, nilCfg.GetMaxAge())
}

func TestNewWithoutOutputsDiscards(t *testing.T) {
	t.Parallel()
	logger, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestFileOutput(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := New(Config{Dir: dir, Level: "info"})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("transfer finished", zap.String("name", "a.txt"), zap.Int64("bytes", 42))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "transfer finished", rec["msg"])
	assert.Equal(t, "a.txt", rec["name"])
	assert.EqualValues(t, 42, rec["bytes"])
}

func TestConsoleOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	logger, err := build(Config{Level: "debug"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("ftp command", zap.String("cmd", "PWD"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "DEBUG")
	assert.Contains(t, out, "ftp command")
	assert.Contains(t, out, `"cmd": "PWD"`)
}
