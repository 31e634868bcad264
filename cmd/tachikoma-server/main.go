package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tachikoma/internal/config"
	tkerrors "tachikoma/internal/errors"
	"tachikoma/internal/llm"
	"tachikoma/internal/logging"
	"tachikoma/internal/observability"
	"tachikoma/internal/orchestrator"
	"tachikoma/internal/planner"
	"tachikoma/internal/pool"
	httpserver "tachikoma/internal/server/http"
	"tachikoma/internal/task"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "tachikoma-server",
		Short:         "Multi-agent task orchestration runtime",
		Version:       httpserver.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tachikoma-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:   cfg.Server.LogLevel,
		Format:  cfg.Server.LogFormat,
		Service: cfg.Server.ServiceName,
	})
	logging.SetRoot(logger)

	if dump, dumpErr := cfg.Dump(); dumpErr == nil {
		logger.Debug("effective configuration", "config", dump)
	}

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        cfg.Observability.TracingEnabled,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		ServiceName:    cfg.Server.ServiceName,
		ServiceVersion: httpserver.Version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	completer := llm.NewClient(cfg.Completer, metrics)
	if !completer.IsAvailable() {
		logger.Warn("completer credentials missing, planning requests will fail",
			"provider", cfg.Completer.Provider)
	}

	pl := planner.New(completer, cfg.Planner, defaultDelegation(cfg.Orchestrator), metrics)
	workers := pool.New(cfg.Pool, metrics)

	orch := orchestrator.New(cfg.Orchestrator, cfg.Session, pl, workers, metrics,
		orchestrator.WithTracer(tracer))

	server := httpserver.NewServer(cfg, httpserver.Options{
		Runner:  orch,
		Logger:  logger,
		Metrics: metrics,
	})
	forwardEvents(orch, server)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", "error", err)
	}
	orch.Stop()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", "error", err)
	}
	return nil
}

// defaultDelegation translates orchestrator settings into the delegation
// template the planner scales per plan.
func defaultDelegation(cfg config.OrchestratorConfig) task.DelegationConfig {
	return task.DelegationConfig{
		Mode:        task.ModeSharedMemory,
		WorkerCount: cfg.DefaultWorkerCount,
		Timeout:     cfg.DefaultTimeout,
		RetryPolicy: tkerrors.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			BaseDelay:     cfg.RetryBaseDelay,
			BackoffFactor: cfg.RetryBackoffFactor,
			MaxDelay:      cfg.RetryMaxDelay,
		},
	}
}

// forwardEvents relays run lifecycle events to websocket subscribers.
func forwardEvents(orch *orchestrator.Orchestrator, server *httpserver.Server) {
	types := []orchestrator.EventType{
		orchestrator.EventPlanStart,
		orchestrator.EventPlanComplete,
		orchestrator.EventPlanFailed,
		orchestrator.EventSubtaskAssigned,
		orchestrator.EventSubtaskProgress,
		orchestrator.EventSubtaskComplete,
		orchestrator.EventSubtaskFailed,
		orchestrator.EventSubtaskRetrying,
		orchestrator.EventAggregateStart,
		orchestrator.EventAggregateComplete,
		orchestrator.EventCheckpointCreated,
		orchestrator.EventCheckpointRestored,
	}
	for _, t := range types {
		orch.On(t, func(e orchestrator.Event) { server.Broadcast(e) })
	}
}
