package backend

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxury-yacht/pulse/backend/internal/config"
)

func TestKubeconfigWatcherDetectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var called atomic.Int32
	w, err := newKubeconfigWatcher(path, NewLogger(10), func() {
		called.Add(1)
	})
	require.NoError(t, err)
	defer w.stop()

	require.NoError(t, os.WriteFile(path, []byte("b"), 0o644))

	assert.Eventually(t, func() bool { return called.Load() > 0 }, 2*time.Second, 50*time.Millisecond)
}

func TestKubeconfigWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var called atomic.Int32
	w, err := newKubeconfigWatcher(path, NewLogger(10), func() {
		called.Add(1)
	})
	require.NoError(t, err)
	defer w.stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644))

	time.Sleep(3 * config.KubeconfigWatcherDebounce)
	require.Equal(t, int32(0), called.Load())
}

func TestKubeconfigWatcherCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	var called atomic.Int32
	w, err := newKubeconfigWatcher(path, NewLogger(10), func() {
		called.Add(1)
	})
	require.NoError(t, err)
	defer w.stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return called.Load() > 0 }, 2*time.Second, 50*time.Millisecond)
	time.Sleep(2 * config.KubeconfigWatcherDebounce)
	require.Equal(t, int32(1), called.Load())
}

func TestKubeconfigWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	w, err := newKubeconfigWatcher(path, NewLogger(10), func() {})
	require.NoError(t, err)

	w.stop()
	require.NotPanics(t, w.stop)
}
