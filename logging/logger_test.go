package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/hive/config"
)

func TestNewJSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hive.log")

	logger, level, err := New(config.LogConfig{
		Level:  config.LogLevelWarn,
		Format: "json",
		Output: out,
	})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("path", "a.obj"))

	level.SetLevel(zap.InfoLevel)
	logger.Info("now kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var lines []map[string]any
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var line map[string]any
		require.NoError(t, decoder.Decode(&line))
		lines = append(lines, line)
	}

	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "a.obj", lines[0]["path"])
	assert.Equal(t, "now kept", lines[1]["msg"])
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: config.LogLevelInfo, Format: "xml"})
	assert.Error(t, err)
}

func TestToZapLevel(t *testing.T) {
	tests := map[config.LogLevel]zapcore.Level{
		config.LogLevelDebug: zap.DebugLevel,
		config.LogLevelInfo:  zap.InfoLevel,
		config.LogLevelWarn:  zap.WarnLevel,
		config.LogLevelError: zap.ErrorLevel,
		config.LogLevelFatal: zap.FatalLevel,
		"bogus":              zap.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ToZapLevel(in), "level %q", in)
	}
}
