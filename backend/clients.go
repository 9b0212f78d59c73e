/*
 * backend/clients.go
 *
 * Builds the Kubernetes clients the sampler and capability probe use.
 */

package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// clusterClients bundles the typed clients for one cluster connection.
type clusterClients struct {
	kubeconfigPath string
	client         kubernetes.Interface
	metricsClient  *metricsclient.Clientset
	restConfig     *rest.Config
}

// buildClusterClients resolves a rest config and constructs the typed
// clients. An empty kubeconfig path tries in-cluster configuration first
// and falls back to the conventional ~/.kube/config location.
func buildClusterClients(kubeconfigPath string) (*clusterClients, error) {
	resolvedPath := kubeconfigPath
	var restConfig *rest.Config
	var err error

	if resolvedPath == "" {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			resolvedPath = defaultKubeconfigPath()
		}
	}
	if restConfig == nil {
		if resolvedPath == "" {
			return nil, fmt.Errorf("no kubeconfig available and not running in-cluster")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", resolvedPath)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", resolvedPath, err)
		}
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	metrics, err := metricsclient.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build metrics client: %w", err)
	}

	return &clusterClients{
		kubeconfigPath: resolvedPath,
		client:         client,
		metricsClient:  metrics,
		restConfig:     restConfig,
	}, nil
}

func defaultKubeconfigPath() string {
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, clientcmd.RecommendedHomeDir, clientcmd.RecommendedFileName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
