// Command coderunner serves the job orchestration API: admission-controlled
// job execution with live event streaming, an LLM-backed agent when a
// provider is configured, and a guarded tool sandbox.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"coderunner/pkg/agent"
	"coderunner/pkg/agent/llm"
	"coderunner/pkg/bridge"
	"coderunner/pkg/config"
	"coderunner/pkg/eventlog"
	execpkg "coderunner/pkg/exec"
	"coderunner/pkg/logx"
	"coderunner/pkg/metrics"
	"coderunner/pkg/persistence"
	"coderunner/pkg/runner"
	"coderunner/pkg/sched"
	"coderunner/pkg/tools"
	"coderunner/pkg/webui"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coderunner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	storeBackend := flag.String("store", "", "store backend: memory or sqlite (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logx.NewLogger("main")

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(registry)

	bcast := eventlog.New(store)
	if cfg.Store.ArchiveDir != "" {
		archive, err := eventlog.NewWriter(cfg.Store.ArchiveDir)
		if err != nil {
			return fmt.Errorf("failed to open event archive: %w", err)
		}
		defer archive.Close()
		bcast.AttachArchive(archive)
		logger.Info("archiving events to %s", cfg.Store.ArchiveDir)
	}
	scheduler := sched.New(store, bcast, rec, cfg.Scheduler.MaxConcurrentJobs)
	guard := tools.NewGuard(&cfg.Tools, execpkg.NewLocalExec(), rec, cfg.CommandTimeout())

	var client llm.Client
	baseClient, err := agent.NewClient(&cfg.Agent)
	if err != nil {
		return fmt.Errorf("failed to build provider client: %w", err)
	}
	if baseClient != nil {
		client = agent.NewRetryableClient(baseClient, cfg.Retry, rec)
		logger.Info("provider %s ready (model %s)", cfg.Agent.Provider, cfg.Agent.Model)
	} else {
		logger.Info("no provider configured, jobs run in simulation")
	}

	var bridgeClient *bridge.Client
	if cfg.Bridge.URL != "" {
		bridgeClient = bridge.NewClient(cfg.Bridge.URL, time.Duration(cfg.Bridge.TimeoutS)*time.Second)
		logger.Info("workspace bridge configured at %s", cfg.Bridge.URL)
	}

	executor := runner.New(store, bcast, guard, client, bridgeClient, cfg.Agent)
	server := webui.NewServer(store, scheduler, bcast, executor, cfg, registry)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	scheduler.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newStore(cfg *config.Config) (persistence.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := persistence.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	case config.StoreMemory:
		return persistence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
