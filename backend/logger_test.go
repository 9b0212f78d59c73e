package backend

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerTrimCapacity(t *testing.T) {
	logger := NewLogger(2)
	logger.SetMirror(nil)
	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	entries := logger.GetEntries()
	require.Len(t, entries, 2)
	require.Equal(t, "second", entries[0].Message)
	require.Equal(t, "third", entries[1].Message)
	require.Equal(t, 2, logger.Count())
}

func TestLoggerMirrorsToStandardLog(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10)
	logger.SetMirror(log.New(&buf, "", 0))

	logger.Warn("summary scrape failed", "Sampler")

	require.Contains(t, buf.String(), "[WARN] Sampler: summary scrape failed")
}

func TestLoggerClearAndNilSafety(t *testing.T) {
	var nilLogger *Logger
	require.NotPanics(t, func() { nilLogger.Info("noop") })
	require.Equal(t, 0, nilLogger.Count())

	logger := NewLogger(5)
	logger.SetMirror(nil)
	logger.Debug("entry")
	require.Equal(t, 1, logger.Count())

	logger.Clear()
	require.Equal(t, 0, logger.Count())
}

func TestLoggerDefaultMaxSizeAndUnknownLevel(t *testing.T) {
	logger := NewLogger(0) // should use default
	logger.SetMirror(nil)
	logger.Log(LogLevel(99), "mystery", "src")

	entries := logger.GetEntries()
	require.Len(t, entries, 1)
	require.Equal(t, "UNKNOWN", entries[0].Level)
	require.Equal(t, "src", entries[0].Source)
	require.GreaterOrEqual(t, cap(entries), 1)
}
