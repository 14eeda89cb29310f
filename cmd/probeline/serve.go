package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/probeline/probeline/api"
	"github.com/probeline/probeline/catalog"
	"github.com/probeline/probeline/config"
	"github.com/probeline/probeline/engine"
	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/planner"
	"github.com/probeline/probeline/restraint"
	"github.com/probeline/probeline/runner"
	"github.com/probeline/probeline/workflow"
)

// serve wires the full orchestrator and blocks until a shutdown signal.
func serve(configPath, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := event.NewBus(event.WithLogger(logger))

	// Restraint rules: built-in defaults, or a watched rules file.
	restraintEngine := restraint.NewEngine(nil, logger)
	if cfg.Restraint.RulesFile != "" {
		watcher, err := restraint.NewWatcher(restraintEngine, cfg.Restraint.RulesFile, logger)
		if err != nil {
			return fmt.Errorf("restraint rules: %w", err)
		}
		go watcher.Run(ctx)
		logger.Info("Watching restraint rules", "path", cfg.Restraint.RulesFile)
	}

	memBytes, err := cfg.Containers.MemoryBytes()
	if err != nil {
		return fmt.Errorf("container memory: %w", err)
	}

	var runnerOpts []runner.DockerOption
	runnerOpts = append(runnerOpts, runner.WithDockerLogger(logger))
	if cfg.Containers.RegistryMirror != "" {
		runnerOpts = append(runnerOpts, runner.WithRegistryMirror(cfg.Containers.RegistryMirror))
	}
	dockerRunner, err := runner.NewDockerRunner(runnerOpts...)
	if err != nil {
		return fmt.Errorf("docker runner: %w", err)
	}

	approvals := workflow.NewApprovals(bus, cfg.Approvals.TTL, logger)

	eng := engine.New(dockerRunner, catalog.Builtin(), restraintEngine, bus, approvals, engine.Config{
		MaxConcurrent: cfg.Containers.MaxConcurrent,
		ContainerLimits: runner.Limits{
			MemoryBytes: memBytes,
			CPUPercent:  cfg.Containers.CPUPercent,
			PidsLimit:   cfg.Containers.PidsLimit,
		},
	}, logger)

	plannerClient := planner.NewClient(cfg.Planner.URL,
		planner.WithLogger(logger),
		planner.WithMinRecommendations(cfg.Planner.MinRecommendations),
		planner.WithHTTPClient(&http.Client{Timeout: cfg.Planner.Timeout}))

	budgets := workflow.Budgets{
		Recon:   cfg.Phases.ReconTimeout,
		Analyze: cfg.Phases.AnalyzeTimeout,
		Exploit: cfg.Phases.ExploitTimeout,
	}
	executor := workflow.NewExecutor(plannerClient, eng, catalog.Builtin(), bus, approvals, budgets, logger)
	controller := workflow.NewController(executor, eng, plannerClient, bus, approvals, logger)

	// Optional durable audit mirror of every workflow's event stream.
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(appName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()

		sink, err := event.NewSink(ctx, nc, logger)
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		controller.SetObserver(func(workflowID string) {
			go sink.Mirror(ctx, workflowID, bus.Subscribe(workflowID))
		})
		logger.Info("Audit sink enabled", "nats_url", cfg.NATS.URL)
	}

	retention := workflow.NewRetention(controller, cfg.Retention.MaxAge, logger)
	if err := retention.Start(); err != nil {
		return fmt.Errorf("retention sweeper: %w", err)
	}
	defer retention.Stop()

	server := api.NewServer(cfg.Server.Listen, controller, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("Probeline ready",
		"version", Version,
		"listen", cfg.Server.Listen,
		"max_concurrent", cfg.Containers.MaxConcurrent)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping API server", "error", err)
	}

	logger.Info("Probeline shutdown complete")
	return nil
}
