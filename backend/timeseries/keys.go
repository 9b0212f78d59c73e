package timeseries

import (
	"fmt"
	"strings"
)

// Cluster-scoped series keys.
const (
	ClusterCPUUsedCores        = "cluster.cpu.used.cores"
	ClusterCPUCapacityCores    = "cluster.cpu.capacity.cores"
	ClusterMemUsedBytes        = "cluster.mem.used.bytes"
	ClusterMemAllocatableBytes = "cluster.mem.allocatable.bytes"
	ClusterNetRxBps            = "cluster.net.rx.bps"
	ClusterNetTxBps            = "cluster.net.tx.bps"
	ClusterNodesCount          = "cluster.nodes.count"
	ClusterPodsRunning         = "cluster.pods.running"
	ClusterPodsPending         = "cluster.pods.pending"
	ClusterPodsFailed          = "cluster.pods.failed"
	ClusterPodsSucceeded       = "cluster.pods.succeeded"
)

// NodeCPUUsageCores returns the per-node CPU usage key.
func NodeCPUUsageCores(node string) string { return "node.cpu.usage.cores." + node }

// NodeMemUsageBytes returns the per-node memory usage key.
func NodeMemUsageBytes(node string) string { return "node.mem.usage.bytes." + node }

// NodeCPUCapacityCores returns the per-node CPU capacity key.
func NodeCPUCapacityCores(node string) string { return "node.cpu.capacity.cores." + node }

// NodeMemCapacityBytes returns the per-node memory capacity key.
func NodeMemCapacityBytes(node string) string { return "node.mem.capacity.bytes." + node }

// NodeNetRxBps returns the per-node network receive rate key.
func NodeNetRxBps(node string) string { return "node.net.rx.bps." + node }

// NodeNetTxBps returns the per-node network transmit rate key.
func NodeNetTxBps(node string) string { return "node.net.tx.bps." + node }

// PodCPUUsageCores returns the per-pod CPU usage key.
func PodCPUUsageCores(namespace, pod string) string {
	return "pod.cpu.usage.cores." + namespace + "." + pod
}

// PodMemUsageBytes returns the per-pod memory usage key.
func PodMemUsageBytes(namespace, pod string) string {
	return "pod.mem.usage.bytes." + namespace + "." + pod
}

// clusterKeyRequirements maps known cluster keys to the capability each one
// depends on ("" when the core API alone suffices).
var clusterKeyRequirements = map[string]string{
	ClusterCPUUsedCores:        "metrics",
	ClusterCPUCapacityCores:    "",
	ClusterMemUsedBytes:        "metrics",
	ClusterMemAllocatableBytes: "",
	ClusterNetRxBps:            "summary",
	ClusterNetTxBps:            "summary",
	ClusterNodesCount:          "",
	ClusterPodsRunning:         "",
	ClusterPodsPending:         "",
	ClusterPodsFailed:          "",
	ClusterPodsSucceeded:       "",
}

// nodeKeyFamilies maps node key prefixes (entity excluded) to the capability
// they depend on.
var nodeKeyFamilies = map[string]string{
	"node.cpu.usage.cores.":   "metrics",
	"node.mem.usage.bytes.":   "metrics",
	"node.cpu.capacity.cores.": "",
	"node.mem.capacity.bytes.": "",
	"node.net.rx.bps.":        "summary",
	"node.net.tx.bps.":        "summary",
}

// podKeyFamilies maps pod key prefixes to required capabilities.
var podKeyFamilies = map[string]string{
	"pod.cpu.usage.cores.": "metrics",
	"pod.mem.usage.bytes.": "metrics",
}

// KeyScope returns the leading segment of a series key ("cluster", "node",
// "pod") or an empty string when the key has no recognisable scope.
func KeyScope(key string) string {
	scope, _, found := strings.Cut(key, ".")
	if !found {
		return ""
	}
	switch scope {
	case "cluster", "node", "pod":
		return scope
	default:
		return ""
	}
}

// ValidateKey checks a requested series key against the catalog and the
// advertised capability flags. The returned error carries the rejection
// reason reported back to subscribers.
func ValidateKey(key string, metricsAPI, summaryAPI bool) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || trimmed != key {
		return fmt.Errorf("malformed series key")
	}

	requirement, known := clusterKeyRequirements[key]
	if !known {
		requirement, known = matchFamily(key, nodeKeyFamilies)
	}
	if !known {
		var entity string
		if requirement, entity, known = matchFamilyEntity(key, podKeyFamilies); known {
			// Pod keys qualify the metric with <namespace>.<pod>.
			namespace, pod, found := strings.Cut(entity, ".")
			if !found || namespace == "" || pod == "" {
				return fmt.Errorf("pod key requires namespace and pod qualifiers")
			}
		}
	}
	if !known {
		return fmt.Errorf("unknown series key")
	}

	switch requirement {
	case "metrics":
		if !metricsAPI {
			return fmt.Errorf("metrics API unavailable")
		}
	case "summary":
		if !summaryAPI {
			return fmt.Errorf("summary API unavailable")
		}
	}
	return nil
}

func matchFamily(key string, families map[string]string) (string, bool) {
	requirement, _, ok := matchFamilyEntity(key, families)
	return requirement, ok
}

func matchFamilyEntity(key string, families map[string]string) (string, string, bool) {
	for prefix, requirement := range families {
		if entity, ok := strings.CutPrefix(key, prefix); ok && entity != "" {
			return requirement, entity, true
		}
	}
	return "", "", false
}
