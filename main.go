package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/luxury-yacht/pulse/backend"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the service YAML config")
		listenAddr  = flag.String("listen", "", "listen address override (host:port)")
		kubeconfig  = flag.String("kubeconfig", "", "kubeconfig path override")
		archivePath = flag.String("archive", "", "archive directory override")
	)
	flag.Parse()

	cfg, err := backend.LoadServiceConfig(*configPath)
	if err != nil {
		klog.Exitf("config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *kubeconfig != "" {
		cfg.Kubeconfig = *kubeconfig
	}
	if *archivePath != "" {
		cfg.ArchivePath = *archivePath
	}

	logger := backend.NewLogger(cfg.LogBufferSize)

	// client-go logs through klog; route it into the service log ring so
	// cluster connectivity noise shows up alongside our own entries.
	klog.LogToStderr(false)
	klog.SetOutput(klogBridge{logger})
	defer klog.Flush()

	svc, err := backend.NewService(cfg, logger)
	if err != nil {
		klog.Exitf("startup: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		klog.Exitf("start: %v", err)
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown: "+err.Error(), "Main")
		os.Exit(1)
	}
}

// klogBridge forwards klog output lines into the in-memory logger.
type klogBridge struct {
	logger *backend.Logger
}

func (b klogBridge) Write(p []byte) (int, error) {
	message := strings.TrimRight(string(p), "\n")
	if message != "" {
		b.logger.Info(message, "klog")
	}
	return len(p), nil
}
