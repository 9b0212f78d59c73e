/*
 * backend/service.go
 *
 * Composition root. Wires the time-series store, sampler, capability
 * probe, live stream endpoints, REST fallback, cold archive, and the
 * kubeconfig watcher into one HTTP service.
 */

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/luxury-yacht/pulse/backend/api"
	"github.com/luxury-yacht/pulse/backend/archive"
	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/sampler"
	"github.com/luxury-yacht/pulse/backend/stream"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

const (
	liveStreamPath = "/api/v1/timeseries/live"

	// legacyLiveStreamPath predates the unified endpoint and only serves
	// cluster-scoped keys. Kept for older dashboard builds.
	legacyLiveStreamPath = "/api/v1/timeseries/cluster/live"
)

// Service is the assembled pulse backend.
type Service struct {
	cfg       ServiceConfig
	logger    *Logger
	store     *timeseries.Store
	telemetry *telemetry.Recorder
	caps      *capabilities.Service
	archive   *archive.Archive
	mux       *http.ServeMux

	httpServer *http.Server
	listener   net.Listener
	watcher    *kubeconfigWatcher

	mu            sync.Mutex
	sampler       sampler.Runner
	samplerCancel context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService builds the service from its configuration. Cluster access
// failures do not fail construction: the service comes up with a disabled
// sampler and reports the reason through the health endpoint.
func NewService(cfg ServiceConfig, logger *Logger) (*Service, error) {
	if logger == nil {
		logger = NewLogger(cfg.LogBufferSize)
	}
	hiRet, err := cfg.hiRetention()
	if err != nil {
		return nil, fmt.Errorf("hiResWindow: %w", err)
	}
	loRet, err := cfg.loRetention()
	if err != nil {
		return nil, fmt.Errorf("loResWindow: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     timeseries.NewStore(timeseries.StoreConfig{HiRetention: hiRet, LoRetention: loRet}),
		telemetry: telemetry.NewRecorder(),
	}

	clients, err := buildClusterClients(cfg.Kubeconfig)
	if err != nil {
		logger.Warn("cluster access unavailable, sampling disabled: "+err.Error(), "Service")
		s.caps = capabilities.NewService(capabilities.Dependencies{Logger: logger})
		s.sampler = sampler.NewDisabled(err.Error())
	} else {
		s.caps = capabilities.NewService(capabilities.Dependencies{
			KubernetesClient: clients.client,
			Logger:           logger,
		})
		s.sampler = s.newSampler(clients)
	}

	if cfg.ArchivePath != "" {
		a, err := archive.Open(archive.Config{
			Path:   cfg.ArchivePath,
			Store:  s.store,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		s.archive = a
	}

	s.mux = http.NewServeMux()
	api.NewServer(s.store, s.caps, s, s.telemetry).Register(s.mux)

	live, err := stream.NewHandler(stream.Config{
		Store:        s.store,
		Capabilities: s.caps,
		Logger:       logger,
		Telemetry:    s.telemetry,
		StreamName:   "timeseries-live",
	})
	if err != nil {
		return nil, err
	}
	s.mux.Handle(liveStreamPath, live)

	legacy, err := stream.NewHandler(stream.Config{
		Store:        s.store,
		Capabilities: s.caps,
		Logger:       logger,
		Telemetry:    s.telemetry,
		StreamName:   "timeseries-cluster-live",
		ClusterOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	s.mux.Handle(legacyLiveStreamPath, legacy)

	return s, nil
}

func (s *Service) newSampler(clients *clusterClients) *sampler.Sampler {
	return sampler.New(sampler.Dependencies{
		KubernetesClient: clients.client,
		MetricsClient:    clients.metricsClient,
		RestConfig:       clients.restConfig,
		Store:            s.store,
		Telemetry:        s.telemetry,
		Capabilities:     capabilityAdapter{s.caps},
	})
}

// Start brings up background loops and the HTTP listener. It returns once
// the listener is accepting; use Stop for shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.Replay(); err != nil {
			s.logger.Warn("archive replay failed: "+err.Error(), "Service")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.archive.Run(s.baseCtx)
		}()
	}

	s.startSampler()

	s.wg.Add(1)
	go s.pruneLoop()

	if s.cfg.Kubeconfig != "" {
		if _, err := os.Stat(s.cfg.Kubeconfig); err == nil {
			w, err := newKubeconfigWatcher(s.cfg.Kubeconfig, s.logger, s.reloadClients)
			if err != nil {
				s.logger.Warn("kubeconfig watcher unavailable: "+err.Error(), "Service")
			} else {
				s.watcher = w
			}
		}
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server: "+err.Error(), "Service")
		}
	}()

	s.logger.Info("listening on "+listener.Addr().String(), "Service")
	return nil
}

// Stop shuts the service down. The context bounds how long in-flight
// requests may take to drain.
func (s *Service) Stop(ctx context.Context) error {
	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.watcher != nil {
		s.watcher.stop()
	}

	s.mu.Lock()
	if s.samplerCancel != nil {
		s.samplerCancel()
	}
	current := s.sampler
	cancel := s.cancel
	s.mu.Unlock()

	if current != nil {
		_ = current.Stop(ctx)
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.archive != nil {
		if err := s.archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Addr returns the bound listener address, for tests and logs.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler exposes the HTTP mux, for tests.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Metadata reports the current sampler status for the health endpoint.
// Delegates through the mutex so kubeconfig reloads can swap the sampler.
func (s *Service) Metadata() sampler.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampler == nil {
		return sampler.Metadata{}
	}
	return s.sampler.Metadata()
}

func (s *Service) startSampler() {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.samplerCancel = cancel
	current := s.sampler

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = current.Start(runCtx)
	}()
}

// reloadClients rebuilds cluster clients after a kubeconfig change and
// swaps in a fresh sampler. A broken kubeconfig downgrades to the
// disabled sampler instead of keeping stale clients around.
func (s *Service) reloadClients() {
	s.logger.Info("kubeconfig changed, rebuilding cluster clients", "Service")

	clients, err := buildClusterClients(s.cfg.Kubeconfig)

	s.mu.Lock()
	if s.samplerCancel != nil {
		s.samplerCancel()
		s.samplerCancel = nil
	}
	if err != nil {
		s.logger.Warn("cluster access unavailable after reload: "+err.Error(), "Service")
		s.caps.SetKubernetesClient(nil)
		s.sampler = sampler.NewDisabled(err.Error())
		s.mu.Unlock()
		return
	}
	s.caps.SetKubernetesClient(clients.client)
	s.sampler = s.newSampler(clients)
	s.mu.Unlock()

	s.startSampler()
}

// capabilityAdapter bridges the capabilities service to the sampler's
// local prober interface.
type capabilityAdapter struct {
	service *capabilities.Service
}

func (a capabilityAdapter) Probe(ctx context.Context) sampler.Capabilities {
	caps := a.service.Probe(ctx)
	return sampler.Capabilities{MetricsAPI: caps.MetricsAPI, SummaryAPI: caps.SummaryAPI}
}

func (s *Service) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(config.StorePruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.store.Prune()
		}
	}
}
