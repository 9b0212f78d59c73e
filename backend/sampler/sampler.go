package sampler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/flowcontrol"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// hostSnap tracks per-node capacity and the last raw network counters so
// rates can be derived between summary scrapes.
type hostSnap struct {
	cpuCores float64
	memBytes float64

	lastRx uint64
	lastTx uint64
	lastTs time.Time
}

// Metadata captures sampler health information.
type Metadata struct {
	CollectedAt         time.Time
	ConsecutiveFailures int
	LastError           string
	SuccessCount        uint64
	FailureCount        uint64
}

// Dependencies supplies collaborators required by the sampler.
type Dependencies struct {
	KubernetesClient kubernetes.Interface
	MetricsClient    *metricsclient.Clientset
	RestConfig       *rest.Config
	Store            *timeseries.Store
	Telemetry        *telemetry.Recorder

	// Capabilities gates which collectors run on each pass.
	Capabilities CapabilityProber

	// Zero values fall back to the configured defaults.
	TickInterval     time.Duration
	ResourceInterval time.Duration
	CapacityInterval time.Duration
	SummaryInterval  time.Duration
	StateInterval    time.Duration

	Now func() time.Time
}

// CapabilityProber reports which metric sources the cluster exposes.
type CapabilityProber interface {
	Probe(ctx context.Context) Capabilities
}

// Capabilities mirrors the probe result the sampler consumes.
type Capabilities struct {
	MetricsAPI bool
	SummaryAPI bool
}

// Sampler periodically collects cluster metrics and appends them to the
// time-series store. Expensive sources are polled on independent cadences
// gated off a shared one-second tick.
type Sampler struct {
	deps        Dependencies
	rateLimiter flowcontrol.RateLimiter

	// clientMu protects metrics client initialization to prevent race conditions
	clientMu sync.Mutex
	client   *metricsclient.Clientset

	mu                 sync.RWMutex
	hosts              map[string]*hostSnap
	lastCapacityPoll   time.Time
	lastResourcePoll   time.Time
	lastSummaryPoll    time.Time
	lastStatePoll      time.Time
	lastCollected      time.Time
	consecutiveFailure int
	lastError          string
	successCount       uint64
	failureCount       uint64

	nodeLister    func(context.Context) (*corev1.NodeList, error)
	podLister     func(context.Context) (*corev1.PodList, error)
	summaryFetch  func(ctx context.Context, node string) ([]byte, error)
	resourceUsage func(ctx context.Context) (map[string]nodeUsage, map[podRef]podUsage, error)
}

// New creates a Sampler. Interval fields left at zero use the package
// defaults from the config package.
func New(deps Dependencies) *Sampler {
	if deps.TickInterval <= 0 {
		deps.TickInterval = config.SamplerTickInterval
	}
	if deps.ResourceInterval <= 0 {
		deps.ResourceInterval = config.SamplerResourceInterval
	}
	if deps.CapacityInterval <= 0 {
		deps.CapacityInterval = config.SamplerCapacityInterval
	}
	if deps.SummaryInterval <= 0 {
		deps.SummaryInterval = config.SamplerSummaryInterval
	}
	if deps.StateInterval <= 0 {
		deps.StateInterval = config.SamplerStateInterval
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Sampler{
		deps:        deps,
		rateLimiter: flowcontrol.NewTokenBucketRateLimiter(5, 10),
		client:      deps.MetricsClient,
		hosts:       make(map[string]*hostSnap),
	}
	s.nodeLister = s.listNodes
	s.podLister = s.listPods
	s.summaryFetch = s.fetchNodeSummary
	s.resourceUsage = s.listResourceUsage
	return s
}

// Start samples metrics until the context is cancelled.
func (s *Sampler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.TickInterval)
	defer ticker.Stop()

	s.recordActive(true)
	defer s.recordActive(false)

	log.Printf("[sampler] started, tick=%s resource=%s summary=%s state=%s",
		s.deps.TickInterval, s.deps.ResourceInterval, s.deps.SummaryInterval, s.deps.StateInterval)

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sampler] stopped: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop relies on context cancellation; provided for interface parity.
func (s *Sampler) Stop(ctx context.Context) error {
	log.Printf("[sampler] stop requested")
	return nil
}

// Metadata returns the most recent sampler status.
func (s *Sampler) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Metadata{
		CollectedAt:         s.lastCollected,
		ConsecutiveFailures: s.consecutiveFailure,
		LastError:           s.lastError,
		SuccessCount:        s.successCount,
		FailureCount:        s.failureCount,
	}
}

// tick runs one collection cycle. Each collector is gated by its own
// interval so a one-second tick does not hammer the apiserver.
func (s *Sampler) tick(ctx context.Context) {
	now := s.deps.Now()

	s.mu.RLock()
	collectCapacity := now.Sub(s.lastCapacityPoll) >= s.deps.CapacityInterval
	collectResource := now.Sub(s.lastResourcePoll) >= s.deps.ResourceInterval
	collectSummary := now.Sub(s.lastSummaryPoll) >= s.deps.SummaryInterval
	collectState := now.Sub(s.lastStatePoll) >= s.deps.StateInterval
	s.mu.RUnlock()

	if !collectCapacity && !collectResource && !collectSummary && !collectState {
		return
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return
	}

	caps := s.probeCapabilities(ctx)
	start := time.Now()
	var firstErr error

	if collectCapacity {
		if err := s.collectCapacity(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stamp(func() { s.lastCapacityPoll = now })
	}

	if collectResource && caps.MetricsAPI {
		if err := s.collectResource(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stamp(func() { s.lastResourcePoll = now })
	}

	if collectSummary && caps.SummaryAPI {
		if err := s.collectSummary(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stamp(func() { s.lastSummaryPoll = now })
	}

	if collectState {
		if err := s.collectState(ctx, now); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stamp(func() { s.lastStatePoll = now })
	}

	if firstErr != nil {
		s.recordFailure(firstErr, time.Since(start))
		return
	}
	s.recordSuccess(now, time.Since(start))
}

func (s *Sampler) probeCapabilities(ctx context.Context) Capabilities {
	if s.deps.Capabilities == nil {
		return Capabilities{}
	}
	return s.deps.Capabilities.Probe(ctx)
}

func (s *Sampler) stamp(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

// collectCapacity refreshes node allocatable totals and appends the
// capacity series. It also reconciles the host snapshot map so network
// rate state for removed nodes is dropped.
func (s *Sampler) collectCapacity(ctx context.Context, now time.Time) error {
	nodes, err := s.nodeLister(ctx)
	if err != nil {
		return fmt.Errorf("node capacity list failed: %w", err)
	}

	var totalCores, totalMemBytes float64
	seen := make(map[string]bool, len(nodes.Items))

	s.mu.Lock()
	for i := range nodes.Items {
		node := &nodes.Items[i]
		cores := node.Status.Allocatable.Cpu().AsApproximateFloat64()
		memBytes := node.Status.Allocatable.Memory().AsApproximateFloat64()

		snap, ok := s.hosts[node.Name]
		if !ok {
			snap = &hostSnap{}
			s.hosts[node.Name] = snap
		}
		snap.cpuCores = cores
		snap.memBytes = memBytes

		totalCores += cores
		totalMemBytes += memBytes
		seen[node.Name] = true
	}
	for name := range s.hosts {
		if !seen[name] {
			delete(s.hosts, name)
		}
	}
	s.mu.Unlock()

	for i := range nodes.Items {
		node := &nodes.Items[i]
		s.append(timeseries.NodeCPUCapacityCores(node.Name), now, node.Status.Allocatable.Cpu().AsApproximateFloat64())
		s.append(timeseries.NodeMemCapacityBytes(node.Name), now, node.Status.Allocatable.Memory().AsApproximateFloat64())
	}
	s.append(timeseries.ClusterCPUCapacityCores, now, totalCores)
	s.append(timeseries.ClusterMemAllocatableBytes, now, totalMemBytes)
	return nil
}

// collectResource appends CPU and memory usage from metrics.k8s.io at
// node, pod and cluster scope.
func (s *Sampler) collectResource(ctx context.Context, now time.Time) error {
	nodeUsages, podUsages, err := s.resourceUsage(ctx)
	if err != nil {
		return err
	}

	var totalCores, totalMemBytes float64
	for name, usage := range nodeUsages {
		totalCores += usage.cpuCores
		totalMemBytes += usage.memBytes
		s.append(timeseries.NodeCPUUsageCores(name), now, usage.cpuCores)
		s.append(timeseries.NodeMemUsageBytes(name), now, usage.memBytes)
	}
	s.append(timeseries.ClusterCPUUsedCores, now, totalCores)
	s.append(timeseries.ClusterMemUsedBytes, now, totalMemBytes)

	for ref, usage := range podUsages {
		s.append(timeseries.PodCPUUsageCores(ref.namespace, ref.name), now, usage.cpuCores)
		s.append(timeseries.PodMemUsageBytes(ref.namespace, ref.name), now, usage.memBytes)
	}
	return nil
}

// collectState appends node counts and pod phase counts from the core API.
func (s *Sampler) collectState(ctx context.Context, now time.Time) error {
	nodes, err := s.nodeLister(ctx)
	if err != nil {
		return fmt.Errorf("node count list failed: %w", err)
	}
	s.append(timeseries.ClusterNodesCount, now, float64(len(nodes.Items)))

	pods, err := s.podLister(ctx)
	if err != nil {
		return fmt.Errorf("pod state list failed: %w", err)
	}

	var running, pending, failed, succeeded float64
	for i := range pods.Items {
		switch pods.Items[i].Status.Phase {
		case corev1.PodRunning:
			running++
		case corev1.PodPending:
			pending++
		case corev1.PodFailed:
			failed++
		case corev1.PodSucceeded:
			succeeded++
		}
	}
	s.append(timeseries.ClusterPodsRunning, now, running)
	s.append(timeseries.ClusterPodsPending, now, pending)
	s.append(timeseries.ClusterPodsFailed, now, failed)
	s.append(timeseries.ClusterPodsSucceeded, now, succeeded)
	return nil
}

func (s *Sampler) append(key string, t time.Time, v float64) {
	if s.deps.Store == nil {
		return
	}
	s.deps.Store.Append(key, timeseries.Point{T: t, V: v})
}

func (s *Sampler) listNodes(ctx context.Context) (*corev1.NodeList, error) {
	if s.deps.KubernetesClient == nil {
		return nil, fmt.Errorf("kubernetes client not initialized")
	}
	return s.deps.KubernetesClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
}

func (s *Sampler) listPods(ctx context.Context) (*corev1.PodList, error) {
	if s.deps.KubernetesClient == nil {
		return nil, fmt.Errorf("kubernetes client not initialized")
	}
	return s.deps.KubernetesClient.CoreV1().Pods("").List(ctx, metav1.ListOptions{})
}

func (s *Sampler) recordSuccess(collectedAt time.Time, duration time.Duration) {
	s.mu.Lock()
	s.lastCollected = collectedAt
	s.consecutiveFailure = 0
	s.lastError = ""
	s.successCount++
	consecutive := s.consecutiveFailure
	s.mu.Unlock()

	if s.deps.Telemetry != nil {
		s.deps.Telemetry.RecordSample(duration, collectedAt, nil, consecutive)
	}
}

func (s *Sampler) recordFailure(err error, duration time.Duration) {
	s.mu.Lock()
	s.consecutiveFailure++
	s.failureCount++
	s.lastError = err.Error()
	consecutive := s.consecutiveFailure
	failures := s.failureCount
	s.mu.Unlock()

	log.Printf("[sampler] collection failed: %v (failures=%d)", err, failures)
	if s.deps.Telemetry != nil {
		s.deps.Telemetry.RecordSample(duration, time.Time{}, err, consecutive)
	}
}

func (s *Sampler) recordActive(active bool) {
	if s.deps.Telemetry != nil {
		s.deps.Telemetry.RecordSamplerActive(active)
	}
}
