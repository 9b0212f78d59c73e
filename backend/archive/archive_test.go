package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxury-yacht/pulse/backend/timeseries"
)

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(Config{Store: timeseries.NewStore(timeseries.StoreConfig{})})
	require.Error(t, err)

	_, err = Open(Config{Path: t.TempDir()})
	require.Error(t, err)
}

func TestFlushAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Truncate(time.Millisecond)

	source := timeseries.NewStore(timeseries.StoreConfig{})
	source.Seed(timeseries.ResolutionLo, timeseries.ClusterCPUUsedCores, []timeseries.Point{
		{T: now.Add(-30 * time.Second), V: 1.5},
		{T: now.Add(-20 * time.Second), V: 2.5},
	})
	source.Seed(timeseries.ResolutionLo, timeseries.ClusterNodesCount, []timeseries.Point{
		{T: now.Add(-10 * time.Second), V: 3},
	})

	a, err := Open(Config{Path: dir, Store: source, Now: func() time.Time { return now }})
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	require.NoError(t, a.Close())

	fresh := timeseries.NewStore(timeseries.StoreConfig{})
	reopened, err := Open(Config{Path: dir, Store: fresh})
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Replay())

	cpu, ok := fresh.Get(timeseries.ResolutionLo, timeseries.ClusterCPUUsedCores)
	require.True(t, ok)
	points := cpu.Snapshot()
	require.Len(t, points, 2)
	require.Equal(t, 1.5, points[0].V)
	require.Equal(t, 2.5, points[1].V)

	nodes, ok := fresh.Get(timeseries.ResolutionLo, timeseries.ClusterNodesCount)
	require.True(t, ok)
	require.Len(t, nodes.Snapshot(), 1)
}

func TestFlushIsIncremental(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Truncate(time.Millisecond)
	current := now

	store := timeseries.NewStore(timeseries.StoreConfig{})
	store.Seed(timeseries.ResolutionLo, timeseries.ClusterNodesCount, []timeseries.Point{
		{T: now.Add(-time.Minute), V: 1},
	})

	a, err := Open(Config{Path: dir, Store: store, Now: func() time.Time { return current }})
	require.NoError(t, err)

	require.NoError(t, a.Flush())

	// Nothing new since the last flush: the next flush writes no blocks.
	current = now.Add(30 * time.Second)
	require.NoError(t, a.Flush())

	store.Seed(timeseries.ResolutionLo, timeseries.ClusterNodesCount, []timeseries.Point{
		{T: now.Add(10 * time.Second), V: 2},
	})
	current = now.Add(time.Minute)
	require.NoError(t, a.Flush())
	require.NoError(t, a.Close())

	fresh := timeseries.NewStore(timeseries.StoreConfig{})
	reopened, err := Open(Config{Path: dir, Store: fresh})
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Replay())

	series, ok := fresh.Get(timeseries.ResolutionLo, timeseries.ClusterNodesCount)
	require.True(t, ok)
	require.Len(t, series.Snapshot(), 2)
}

func TestBlockKeyRoundTrip(t *testing.T) {
	at := time.Now()
	key := blockKey(timeseries.ClusterCPUUsedCores, at)

	seriesKey, ok := splitBlockKey(key)
	require.True(t, ok)
	require.Equal(t, timeseries.ClusterCPUUsedCores, seriesKey)

	_, ok = splitBlockKey([]byte("short"))
	require.False(t, ok)
}

func TestEncodeDecodeBlock(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	a, err := Open(Config{Path: t.TempDir(), Store: store})
	require.NoError(t, err)
	defer a.Close()

	now := time.Now().Truncate(time.Millisecond)
	original := []timeseries.Point{
		{T: now.Add(-time.Second), V: 1.25},
		{T: now, V: 2.5},
	}

	encoded, err := a.encodeBlock(original)
	require.NoError(t, err)

	decoded, err := a.decodeBlock(encoded)
	require.NoError(t, err)
	require.Equal(t, len(original), len(decoded))
	require.Equal(t, original[0].V, decoded[0].V)
	require.True(t, original[1].T.Equal(decoded[1].T))
}
