/*
 * backend/config.go
 *
 * Service-level configuration: a small YAML file for deployment knobs,
 * layered under flag overrides from main. The timing constants live in
 * internal/config; this file only carries what differs per deployment.
 */

package backend

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/internal/timeutil"
)

// ServiceConfig is the deployment-level configuration for the pulse
// service. Empty or zero fields fall back to the documented defaults.
type ServiceConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `json:"listenAddr"`

	// Kubeconfig points at the kubeconfig file used to reach the cluster.
	// Empty tries in-cluster configuration first, then the usual
	// ~/.kube/config fallback.
	Kubeconfig string `json:"kubeconfig"`

	// ArchivePath enables the cold archive when set: lo-res points are
	// persisted under this directory and replayed on startup.
	ArchivePath string `json:"archivePath"`

	// HiResWindow and LoResWindow override the in-memory retention per
	// resolution, in the <integer><s|m|h> window format.
	HiResWindow string `json:"hiResWindow"`
	LoResWindow string `json:"loResWindow"`

	// LogBufferSize bounds the in-memory log ring.
	LogBufferSize int `json:"logBufferSize"`
}

// DefaultServiceConfig returns the configuration used when no file and no
// flags are provided.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:    ":8089",
		LogBufferSize: 1000,
	}
}

// LoadServiceConfig reads a YAML config file and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if cfg.LogBufferSize <= 0 {
		cfg.LogBufferSize = DefaultServiceConfig().LogBufferSize
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the window overrides without applying them.
func (c ServiceConfig) Validate() error {
	if _, err := c.hiRetention(); err != nil {
		return fmt.Errorf("hiResWindow: %w", err)
	}
	if _, err := c.loRetention(); err != nil {
		return fmt.Errorf("loResWindow: %w", err)
	}
	return nil
}

func (c ServiceConfig) hiRetention() (time.Duration, error) {
	if c.HiResWindow == "" {
		return config.HiResRetention, nil
	}
	return timeutil.ParseWindow(c.HiResWindow)
}

func (c ServiceConfig) loRetention() (time.Duration, error) {
	if c.LoResWindow == "" {
		return config.LoResRetention, nil
	}
	return timeutil.ParseWindow(c.LoResWindow)
}
