package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

type stubProber struct {
	caps Capabilities
}

func (p stubProber) Probe(context.Context) Capabilities { return p.caps }

func newTestStore() *timeseries.Store {
	return timeseries.NewStore(timeseries.StoreConfig{})
}

func lastValue(t *testing.T, store *timeseries.Store, key string) float64 {
	t.Helper()
	series, ok := store.Get(timeseries.ResolutionHi, key)
	require.True(t, ok, "series %s missing", key)
	point, ok := series.Last()
	require.True(t, ok, "series %s empty", key)
	return point.V
}

func TestSamplerCollectResourceAppendsUsage(t *testing.T) {
	store := newTestStore()
	recorder := telemetry.NewRecorder()
	now := time.Now()

	s := New(Dependencies{
		Store:        store,
		Telemetry:    recorder,
		Capabilities: stubProber{caps: Capabilities{MetricsAPI: true}},
		Now:          func() time.Time { return now },
	})
	s.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

	s.resourceUsage = func(context.Context) (map[string]nodeUsage, map[podRef]podUsage, error) {
		return map[string]nodeUsage{
				"node-a": {cpuCores: 0.25, memBytes: 512 * 1024 * 1024},
				"node-b": {cpuCores: 0.75, memBytes: 256 * 1024 * 1024},
			}, map[podRef]podUsage{
				{namespace: "default", name: "api-0"}: {cpuCores: 0.125, memBytes: 64 * 1024 * 1024},
			}, nil
	}
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) {
		return &corev1.NodeList{}, nil
	}
	s.podLister = func(context.Context) (*corev1.PodList, error) {
		return &corev1.PodList{}, nil
	}

	s.tick(context.Background())

	require.Equal(t, 1.0, lastValue(t, store, timeseries.ClusterCPUUsedCores))
	require.Equal(t, float64(768*1024*1024), lastValue(t, store, timeseries.ClusterMemUsedBytes))
	require.Equal(t, 0.25, lastValue(t, store, timeseries.NodeCPUUsageCores("node-a")))
	require.Equal(t, 0.125, lastValue(t, store, timeseries.PodCPUUsageCores("default", "api-0")))

	meta := s.Metadata()
	require.Equal(t, uint64(1), meta.SuccessCount)
	require.Zero(t, meta.ConsecutiveFailures)
	require.Empty(t, meta.LastError)

	summary := recorder.SnapshotSummary()
	require.Equal(t, uint64(1), summary.Sampler.SuccessCount)
}

func TestSamplerCollectCapacityAndState(t *testing.T) {
	store := newTestStore()
	now := time.Now()

	nodes := &corev1.NodeList{Items: []corev1.Node{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
			Status: corev1.NodeStatus{Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewMilliQuantity(4000, resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(8*1024*1024*1024, resource.BinarySI),
			}},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "node-b"},
			Status: corev1.NodeStatus{Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    *resource.NewMilliQuantity(2000, resource.DecimalSI),
				corev1.ResourceMemory: *resource.NewQuantity(4*1024*1024*1024, resource.BinarySI),
			}},
		},
	}}
	pods := &corev1.PodList{Items: []corev1.Pod{
		{Status: corev1.PodStatus{Phase: corev1.PodRunning}},
		{Status: corev1.PodStatus{Phase: corev1.PodRunning}},
		{Status: corev1.PodStatus{Phase: corev1.PodPending}},
		{Status: corev1.PodStatus{Phase: corev1.PodFailed}},
		{Status: corev1.PodStatus{Phase: corev1.PodSucceeded}},
	}}

	s := New(Dependencies{
		Store: store,
		Now:   func() time.Time { return now },
	})
	s.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return nodes, nil }
	s.podLister = func(context.Context) (*corev1.PodList, error) { return pods, nil }

	s.tick(context.Background())

	require.Equal(t, 6.0, lastValue(t, store, timeseries.ClusterCPUCapacityCores))
	require.Equal(t, float64(12*1024*1024*1024), lastValue(t, store, timeseries.ClusterMemAllocatableBytes))
	require.Equal(t, 4.0, lastValue(t, store, timeseries.NodeCPUCapacityCores("node-a")))
	require.Equal(t, 2.0, lastValue(t, store, timeseries.ClusterNodesCount))
	require.Equal(t, 2.0, lastValue(t, store, timeseries.ClusterPodsRunning))
	require.Equal(t, 1.0, lastValue(t, store, timeseries.ClusterPodsPending))
	require.Equal(t, 1.0, lastValue(t, store, timeseries.ClusterPodsFailed))
	require.Equal(t, 1.0, lastValue(t, store, timeseries.ClusterPodsSucceeded))
}

func TestSamplerCapacityDropsRemovedNodes(t *testing.T) {
	s := New(Dependencies{Store: newTestStore()})
	s.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

	listed := &corev1.NodeList{Items: []corev1.Node{
		{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
	}}
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return listed, nil }

	s.hosts["node-gone"] = &hostSnap{cpuCores: 2}

	require.NoError(t, s.collectCapacity(context.Background(), time.Now()))
	require.Contains(t, s.hosts, "node-a")
	require.NotContains(t, s.hosts, "node-gone")
}

func TestSamplerSummaryComputesRates(t *testing.T) {
	store := newTestStore()
	base := time.Now()

	nodes := &corev1.NodeList{Items: []corev1.Node{
		{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
	}}

	rx, tx := uint64(1000), uint64(2000)
	s := New(Dependencies{Store: store})
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return nodes, nil }
	s.summaryFetch = func(_ context.Context, node string) ([]byte, error) {
		payload := map[string]any{
			"node": map[string]any{
				"network": map[string]any{"rxBytes": rx, "txBytes": tx},
			},
		}
		return json.Marshal(payload)
	}

	// First pass only seeds the counters.
	require.NoError(t, s.collectSummary(context.Background(), base))
	_, ok := store.Get(timeseries.ResolutionHi, timeseries.ClusterNetRxBps)
	require.False(t, ok)

	// Second pass 10s later with 5000/10000 more bytes gives 500/1000 Bps.
	rx, tx = 6000, 12000
	require.NoError(t, s.collectSummary(context.Background(), base.Add(10*time.Second)))
	require.Equal(t, 500.0, lastValue(t, store, timeseries.ClusterNetRxBps))
	require.Equal(t, 1000.0, lastValue(t, store, timeseries.ClusterNetTxBps))
	require.Equal(t, 500.0, lastValue(t, store, timeseries.NodeNetRxBps("node-a")))
}

func TestSamplerSummarySkipsCounterReset(t *testing.T) {
	store := newTestStore()
	base := time.Now()

	nodes := &corev1.NodeList{Items: []corev1.Node{
		{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
	}}

	rx := uint64(10000)
	s := New(Dependencies{Store: store})
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return nodes, nil }
	s.summaryFetch = func(_ context.Context, node string) ([]byte, error) {
		payload := map[string]any{
			"node": map[string]any{
				"network": map[string]any{"rxBytes": rx, "txBytes": uint64(0)},
			},
		}
		return json.Marshal(payload)
	}

	require.NoError(t, s.collectSummary(context.Background(), base))

	// Counter went backwards, the interval contributes zero instead of a
	// negative rate.
	rx = 100
	require.NoError(t, s.collectSummary(context.Background(), base.Add(10*time.Second)))
	require.Equal(t, 0.0, lastValue(t, store, timeseries.ClusterNetRxBps))
}

func TestSamplerSummaryToleratesUnreachableKubelet(t *testing.T) {
	store := newTestStore()
	nodes := &corev1.NodeList{Items: []corev1.Node{
		{ObjectMeta: metav1.ObjectMeta{Name: "node-a"}},
	}}

	s := New(Dependencies{Store: store})
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return nodes, nil }
	s.summaryFetch = func(context.Context, string) ([]byte, error) {
		return nil, errors.New("connection refused")
	}

	require.NoError(t, s.collectSummary(context.Background(), time.Now()))
	_, ok := store.Get(timeseries.ResolutionHi, timeseries.ClusterNetRxBps)
	require.False(t, ok)
}

func TestSamplerRecordsFailure(t *testing.T) {
	recorder := telemetry.NewRecorder()
	now := time.Now()

	s := New(Dependencies{
		Store:        newTestStore(),
		Telemetry:    recorder,
		Capabilities: stubProber{caps: Capabilities{MetricsAPI: true}},
		Now:          func() time.Time { return now },
	})
	s.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) {
		return nil, errors.New("apiserver down")
	}
	s.podLister = func(context.Context) (*corev1.PodList, error) {
		return nil, errors.New("apiserver down")
	}
	s.resourceUsage = func(context.Context) (map[string]nodeUsage, map[podRef]podUsage, error) {
		return nil, nil, errors.New("metrics down")
	}

	s.tick(context.Background())

	meta := s.Metadata()
	require.Equal(t, uint64(1), meta.FailureCount)
	require.Equal(t, 1, meta.ConsecutiveFailures)
	require.NotEmpty(t, meta.LastError)
	require.True(t, meta.CollectedAt.IsZero())

	summary := recorder.SnapshotSummary()
	require.Equal(t, uint64(1), summary.Sampler.FailureCount)
	require.NotEmpty(t, summary.Sampler.LastError)
}

func TestSamplerTickGatesByInterval(t *testing.T) {
	var resourceCalls int
	now := time.Now()

	s := New(Dependencies{
		Store:        newTestStore(),
		Capabilities: stubProber{caps: Capabilities{MetricsAPI: true}},
		Now:          func() time.Time { return now },
	})
	s.rateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()
	s.nodeLister = func(context.Context) (*corev1.NodeList, error) { return &corev1.NodeList{}, nil }
	s.podLister = func(context.Context) (*corev1.PodList, error) { return &corev1.PodList{}, nil }
	s.resourceUsage = func(context.Context) (map[string]nodeUsage, map[podRef]podUsage, error) {
		resourceCalls++
		return nil, nil, nil
	}

	s.tick(context.Background())
	require.Equal(t, 1, resourceCalls)

	// One second later nothing is due yet.
	now = now.Add(time.Second)
	s.tick(context.Background())
	require.Equal(t, 1, resourceCalls)

	// Past the resource interval the collector runs again.
	now = now.Add(s.deps.ResourceInterval)
	s.tick(context.Background())
	require.Equal(t, 2, resourceCalls)
}

func TestJitterDurationHandlesNonPositiveFactor(t *testing.T) {
	base := time.Second
	if got := jitterDuration(base, 0); got != base {
		t.Fatalf("expected base duration when factor zero, got %s", got)
	}
	if got := jitterDuration(base, -0.5); got != base {
		t.Fatalf("expected base duration when factor negative, got %s", got)
	}
}

func TestEnsureClientRequiresConfig(t *testing.T) {
	s := New(Dependencies{})
	_, err := s.ensureClient()
	require.Error(t, err)
	require.Contains(t, err.Error(), "rest config not provided")
}

func TestDisabledSamplerMetadata(t *testing.T) {
	d := NewDisabled("")

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	meta := d.Metadata()
	require.True(t, meta.CollectedAt.IsZero())
	require.Equal(t, "sampling disabled", meta.LastError)

	custom := NewDisabled("cluster unreachable")
	require.Equal(t, "cluster unreachable", custom.Metadata().LastError)
}
