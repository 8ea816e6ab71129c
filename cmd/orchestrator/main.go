// Package main implements the entry point for the taskforge
// orchestrator daemon: it wires configuration, logging, storage and
// the orchestration engine together and runs until interrupted.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/orchestrator"
	"github.com/taskforge/taskforge/internal/platform/logger"
	"github.com/taskforge/taskforge/internal/platform/metrics"
	"github.com/taskforge/taskforge/internal/platform/postgres"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/store/memory"
	"github.com/taskforge/taskforge/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("orchestrator failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	taskStore, cleanup, err := initStore(cfg, appLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	if cfg.Server.MetricsPort > 0 {
		startMetricsServer(cfg.Server.MetricsPort, appLogger)
	}

	hostname, _ := os.Hostname()
	engine := orchestrator.New(taskStore, worker.NewCommandExecutor(appLogger), orchestrator.Config{
		MaxParallelTasks:  cfg.Orchestrator.MaxParallelTasks,
		DefaultMaxRetries: cfg.Orchestrator.DefaultMaxRetries,
		TickInterval:      time.Duration(cfg.Orchestrator.SchedulerTickIntervalSeconds) * time.Second,
		BackoffBase:       cfg.Orchestrator.BackoffBaseSeconds,
		ExecutorID:        hostname,
	}, appLogger, collector)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	appLogger.Info("orchestrator running",
		slog.Int("max_parallel_tasks", cfg.Orchestrator.MaxParallelTasks),
		slog.String("executor_id", hostname))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop

	appLogger.Info("shutting down", slog.String("signal", sig.String()))
	engine.Stop()
	return nil
}

// initStore selects the storage backend: Postgres when a database URL
// is configured (running migrations first), in-memory otherwise.
func initStore(cfg *config.Config, appLogger *slog.Logger) (store.TaskStore, func(), error) {
	if cfg.Database.URL == "" {
		appLogger.Warn("no database configured, using in-memory store")
		return memory.NewStore(), func() {}, nil
	}

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	appLogger.Info("connected to postgres")
	cleanup := func() { _ = db.Close() }
	return postgres.NewTaskStore(db, appLogger), cleanup, nil
}

func startMetricsServer(port int, appLogger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("metrics server listening", slog.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}
