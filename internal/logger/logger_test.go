package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"segdl/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLoggerTo(&buf, "warn").With("stream", "abc")

	log.Infof("dropped %d", 1)
	assert.Zero(t, buf.Len(), "info must be filtered at warn level")

	log.Warnf("segment %d failed", 7)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "segment 7 failed", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "abc", rec["stream"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("bogus"))
}
