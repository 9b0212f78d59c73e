/*
 * backend/capabilities/service.go
 *
 * Probes the cluster for the metric sources the time-series sampler can
 * draw from: the resource metrics API (metrics.k8s.io) and the kubelet
 * Summary API reached through the node proxy subresource.
 */

package capabilities

import (
	"context"
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	defaultProbeTTL     = 5 * time.Minute
	defaultProbeTimeout = 10 * time.Second

	metricsGroupVersion = "metrics.k8s.io/v1beta1"
)

// Dependencies supplies collaborators required by the capability service.
type Dependencies struct {
	KubernetesClient kubernetes.Interface
	Logger           Logger
	ProbeTTL         time.Duration
	ProbeTimeout     time.Duration
	Now              func() time.Time

	// MetricsProbe and SummaryProbe override the default probes in tests.
	MetricsProbe func(ctx context.Context) error
	SummaryProbe func(ctx context.Context) error
}

// Service evaluates and caches metric-source capabilities.
type Service struct {
	deps Dependencies

	mu        sync.Mutex
	cached    Capabilities
	checkedAt time.Time
}

// NewService constructs a capability probing service.
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.ProbeTTL <= 0 {
		deps.ProbeTTL = defaultProbeTTL
	}
	if deps.ProbeTimeout <= 0 {
		deps.ProbeTimeout = defaultProbeTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{deps: deps}
}

// Probe returns the current capability flags, re-evaluating them when the
// cached result is older than the probe TTL. Probe failures mark the
// corresponding capability unavailable rather than erroring: a cluster
// without metrics-server is a supported configuration, not a fault.
func (s *Service) Probe(ctx context.Context) Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.deps.Now()
	if !s.checkedAt.IsZero() && now.Sub(s.checkedAt) < s.deps.ProbeTTL {
		return s.cached
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.deps.ProbeTimeout)
	defer cancel()

	caps := Capabilities{}
	if err := s.probeMetrics(probeCtx); err != nil {
		s.deps.Logger.Debug(fmt.Sprintf("metrics API probe failed: %v", err), "Capabilities")
	} else {
		caps.MetricsAPI = true
	}
	if err := s.probeSummary(probeCtx); err != nil {
		s.deps.Logger.Debug(fmt.Sprintf("summary API probe failed: %v", err), "Capabilities")
	} else {
		caps.SummaryAPI = true
	}

	if caps != s.cached || s.checkedAt.IsZero() {
		s.deps.Logger.Info(
			fmt.Sprintf("capabilities: metricsAPI=%t summaryAPI=%t", caps.MetricsAPI, caps.SummaryAPI),
			"Capabilities",
		)
	}

	s.cached = caps
	s.checkedAt = now
	return caps
}

// Invalidate forces the next Probe call to re-evaluate. Used after client
// rebuilds (e.g. kubeconfig changes).
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkedAt = time.Time{}
}

// SetKubernetesClient swaps the probed client and drops the cached result.
// Called when the kubeconfig changes and clients are rebuilt.
func (s *Service) SetKubernetesClient(client kubernetes.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.KubernetesClient = client
	s.checkedAt = time.Time{}
}

func (s *Service) probeMetrics(ctx context.Context) error {
	if s.deps.MetricsProbe != nil {
		return s.deps.MetricsProbe(ctx)
	}
	if s.deps.KubernetesClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}
	_, err := s.deps.KubernetesClient.Discovery().ServerResourcesForGroupVersion(metricsGroupVersion)
	return err
}

func (s *Service) probeSummary(ctx context.Context) error {
	if s.deps.SummaryProbe != nil {
		return s.deps.SummaryProbe(ctx)
	}
	if s.deps.KubernetesClient == nil {
		return fmt.Errorf("kubernetes client not initialized")
	}

	nodes, err := s.deps.KubernetesClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(nodes.Items) == 0 {
		return fmt.Errorf("no nodes available to probe")
	}

	return s.deps.KubernetesClient.CoreV1().RESTClient().
		Get().
		Resource("nodes").
		Name(nodes.Items[0].Name).
		SubResource("proxy").
		Suffix("stats/summary").
		Do(ctx).
		Error()
}
