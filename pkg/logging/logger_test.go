package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dougsko/nexrigd/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn, false)

	logger.Debug("rf", "dropped")
	logger.Info("rf", "dropped too")
	logger.Warn("protection", "forward power near limit", Fields{"forward_w": 95.5})

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] protection: forward power near limit [forward_w=95.5]")
}

func TestLoggerStructured(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelDebug, true)

	logger.Error("system", "emergency", Fields{"b": 2, "a": "x"})

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, `{"time":`))
	assert.Contains(t, line, `"level":"ERROR","component":"system","message":"emergency","a":"x","b":"2"}`)
}

func TestLoggerWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo, false)

	w := logger.Writer("http")
	_, err := w.Write([]byte("GET /api/v1/status 200\nPUT /api/v1/rf/band 409\n"))
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(buf.String(), "[INFO] http:"))
}

func TestNewLoggerWithFile(t *testing.T) {
	tempDir := t.TempDir()

	cfg := config.Default()
	cfg.Logging.File = filepath.Join(tempDir, "logs", "nexrigd.log")
	cfg.Logging.Level = "debug"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Debug("main", "written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestDeferredDrain(t *testing.T) {
	d := NewDeferred(2)
	d.Warn("rf", "first", Fields{"n": 1})
	d.Error("protection", "second")
	d.Info("rf", "third")

	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, uint64(1), d.Dropped())

	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo, false)
	assert.Equal(t, 2, d.Drain(logger))

	out := buf.String()
	assert.Contains(t, out, "[WARN] rf: first [n=1]")
	assert.Contains(t, out, "[ERROR] protection: second")
	assert.NotContains(t, out, "third")
	assert.Contains(t, out, "Deferred log lines dropped [dropped=1 total=1]")

	// Drops are reported once
	buf.Reset()
	assert.Equal(t, 0, d.Drain(logger))
	assert.Empty(t, buf.String())
}

func TestDeferredKeepsQueueTime(t *testing.T) {
	d := NewDeferred(4)
	d.Warn("rf", "queued")
	queued := time.Now()
	time.Sleep(20 * time.Millisecond)

	var buf bytes.Buffer
	d.Drain(NewWriterLogger(&buf, LevelInfo, false))

	stamp, err := time.ParseInLocation("2006-01-02 15:04:05.000", buf.String()[:23], time.Local)
	require.NoError(t, err)
	assert.False(t, stamp.After(queued))
}
