package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/internal/parallel"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// nodeSummary holds the subset of the kubelet stats/summary payload the
// sampler consumes. The full document is much larger.
type nodeSummary struct {
	Node struct {
		Network *struct {
			RxBytes *uint64 `json:"rxBytes"`
			TxBytes *uint64 `json:"txBytes"`
		} `json:"network"`
	} `json:"node"`
}

// networkCounters are the raw monotonic byte counters read from one node.
type networkCounters struct {
	node    string
	rxBytes uint64
	txBytes uint64
}

// collectSummary scrapes the kubelet Summary API on every node through the
// apiserver proxy and appends derived network throughput series. Counters
// are monotonic; a value below the previous reading indicates a kubelet
// restart and that interval is skipped rather than reported as negative.
func (s *Sampler) collectSummary(ctx context.Context, now time.Time) error {
	nodes, err := s.nodeLister(ctx)
	if err != nil {
		return fmt.Errorf("node list for summary failed: %w", err)
	}

	names := make([]string, 0, len(nodes.Items))
	for i := range nodes.Items {
		names = append(names, nodes.Items[i].Name)
	}

	var mu sync.Mutex
	counters := make([]networkCounters, 0, len(names))

	err = parallel.ForEach(ctx, names, config.SamplerSummaryConcurrency, func(ctx context.Context, node string) error {
		raw, err := s.summaryFetch(ctx, node)
		if err != nil {
			// One unreachable kubelet should not sink the whole pass.
			log.Printf("[sampler] summary scrape failed for node %s: %v", node, err)
			return nil
		}

		var summary nodeSummary
		if err := json.Unmarshal(raw, &summary); err != nil {
			log.Printf("[sampler] summary decode failed for node %s: %v", node, err)
			return nil
		}
		if summary.Node.Network == nil || summary.Node.Network.RxBytes == nil || summary.Node.Network.TxBytes == nil {
			return nil
		}

		mu.Lock()
		counters = append(counters, networkCounters{
			node:    node,
			rxBytes: *summary.Node.Network.RxBytes,
			txBytes: *summary.Node.Network.TxBytes,
		})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	var totalRxRate, totalTxRate float64
	perNode := make(map[string]struct{ rx, tx float64 }, len(counters))

	s.mu.Lock()
	for _, c := range counters {
		snap, ok := s.hosts[c.node]
		if !ok {
			snap = &hostSnap{}
			s.hosts[c.node] = snap
		}

		if !snap.lastTs.IsZero() {
			dt := now.Sub(snap.lastTs).Seconds()
			if dt > 0 {
				rates := struct{ rx, tx float64 }{}
				if c.rxBytes >= snap.lastRx {
					rates.rx = float64(c.rxBytes-snap.lastRx) / dt
					totalRxRate += rates.rx
				}
				if c.txBytes >= snap.lastTx {
					rates.tx = float64(c.txBytes-snap.lastTx) / dt
					totalTxRate += rates.tx
				}
				perNode[c.node] = rates
			}
		}

		snap.lastRx = c.rxBytes
		snap.lastTx = c.txBytes
		snap.lastTs = now
	}
	s.mu.Unlock()

	for node, rates := range perNode {
		s.append(timeseries.NodeNetRxBps(node), now, rates.rx)
		s.append(timeseries.NodeNetTxBps(node), now, rates.tx)
	}
	if len(perNode) > 0 {
		s.append(timeseries.ClusterNetRxBps, now, totalRxRate)
		s.append(timeseries.ClusterNetTxBps, now, totalTxRate)
	}
	return nil
}

// fetchNodeSummary proxies a stats/summary request through the apiserver.
func (s *Sampler) fetchNodeSummary(ctx context.Context, node string) ([]byte, error) {
	if s.deps.KubernetesClient == nil {
		return nil, fmt.Errorf("kubernetes client not initialized")
	}
	return s.deps.KubernetesClient.CoreV1().RESTClient().
		Get().
		Resource("nodes").
		Name(node).
		SubResource("proxy").
		Suffix("stats/summary").
		Do(ctx).
		Raw()
}
