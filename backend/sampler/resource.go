package sampler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/luxury-yacht/pulse/backend/internal/config"
)

// nodeUsage captures aggregate CPU/Memory usage for a node.
type nodeUsage struct {
	cpuCores float64
	memBytes float64
}

// podRef identifies a pod across namespaces.
type podRef struct {
	namespace string
	name      string
}

// podUsage captures usage for an individual pod (aggregated across containers).
type podUsage struct {
	cpuCores float64
	memBytes float64
}

var (
	errMetricsAPIUnavailable = errors.New("metrics API unavailable")
	jitterRand               = rand.New(rand.NewSource(time.Now().UnixNano()))
	jitterRandMu             sync.Mutex
)

// listResourceUsage fetches node and pod metrics from metrics.k8s.io with
// bounded retries. A missing API group fails fast instead of retrying.
func (s *Sampler) listResourceUsage(ctx context.Context) (map[string]nodeUsage, map[podRef]podUsage, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, nil, err
	}

	nodes, err := s.listNodeMetricsWithRetry(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("node metrics poll failed: %w", err)
	}

	nodeUsages := make(map[string]nodeUsage, len(nodes.Items))
	for _, metric := range nodes.Items {
		usage := nodeUsage{}
		for resourceName, quantity := range metric.Usage {
			switch resourceName {
			case corev1.ResourceCPU:
				usage.cpuCores = quantity.AsApproximateFloat64()
			case corev1.ResourceMemory:
				usage.memBytes = quantity.AsApproximateFloat64()
			}
		}
		nodeUsages[metric.Name] = usage
	}

	pods, err := s.listPodMetricsWithRetry(ctx, client)
	if err != nil {
		return nodeUsages, nil, fmt.Errorf("pod metrics poll failed: %w", err)
	}

	podUsages := make(map[podRef]podUsage, len(pods.Items))
	for _, metric := range pods.Items {
		usage := podUsage{}
		for _, container := range metric.Containers {
			for resourceName, quantity := range container.Usage {
				switch resourceName {
				case corev1.ResourceCPU:
					usage.cpuCores += quantity.AsApproximateFloat64()
				case corev1.ResourceMemory:
					usage.memBytes += quantity.AsApproximateFloat64()
				}
			}
		}
		podUsages[podRef{namespace: metric.Namespace, name: metric.Name}] = usage
	}

	return nodeUsages, podUsages, nil
}

func (s *Sampler) listNodeMetricsWithRetry(ctx context.Context, client *metricsclient.Clientset) (*metricsv1beta1.NodeMetricsList, error) {
	var attempt int
	backoff := config.SamplerInitialBackoff

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := client.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
		if err == nil {
			return resp, nil
		}

		if apierrors.IsNotFound(err) {
			return nil, errMetricsAPIUnavailable
		}

		attempt++
		if attempt >= config.SamplerMaxRetry {
			return nil, err
		}

		sleep := jitterDuration(backoff, config.SamplerJitterFactor)
		log.Printf("[sampler] node metrics list failed (attempt %d/%d), retrying in %s: %v",
			attempt, config.SamplerMaxRetry, sleep, err)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * 2)
		if backoff > config.SamplerMaxBackoff {
			backoff = config.SamplerMaxBackoff
		}
	}
}

func (s *Sampler) listPodMetricsWithRetry(ctx context.Context, client *metricsclient.Clientset) (*metricsv1beta1.PodMetricsList, error) {
	var attempt int
	backoff := config.SamplerInitialBackoff

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := client.MetricsV1beta1().PodMetricses("").List(ctx, metav1.ListOptions{})
		if err == nil {
			return resp, nil
		}

		if apierrors.IsNotFound(err) {
			return nil, errMetricsAPIUnavailable
		}

		attempt++
		if attempt >= config.SamplerMaxRetry {
			return nil, err
		}

		sleep := jitterDuration(backoff, config.SamplerJitterFactor)
		log.Printf("[sampler] pod metrics list failed (attempt %d/%d), retrying in %s: %v",
			attempt, config.SamplerMaxRetry, sleep, err)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * 2)
		if backoff > config.SamplerMaxBackoff {
			backoff = config.SamplerMaxBackoff
		}
	}
}

func jitterDuration(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	min := 1 - factor
	max := 1 + factor
	jitterRandMu.Lock()
	multiplier := min + jitterRand.Float64()*(max-min)
	jitterRandMu.Unlock()
	return time.Duration(float64(base) * multiplier)
}

func (s *Sampler) ensureClient() (*metricsclient.Clientset, error) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	// Double-check after acquiring lock
	if s.client != nil {
		return s.client, nil
	}
	if s.deps.RestConfig == nil {
		return nil, fmt.Errorf("rest config not provided")
	}
	client, err := metricsclient.NewForConfig(s.deps.RestConfig)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}
