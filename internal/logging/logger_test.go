package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("bogus"))
}

func TestLoggerEmitsServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "trip-coordinator")
	logger.Info("dropped")
	logger.Warn("kept", "trip_id", "t1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "trip-coordinator", rec["service"])
	assert.Equal(t, "t1", rec["trip_id"])
}
