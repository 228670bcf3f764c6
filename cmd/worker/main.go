package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"census-import/internal/app"
	"census-import/internal/config"
	"census-import/internal/orchestrator"
	"census-import/internal/queue"
	"census-import/internal/telemetry"
	workerproc "census-import/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, config.ParseLevel(cfg.LogLevel))
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init import service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	client := queue.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	q := queue.NewRedisQueue(client, queue.Options{VisibilityTimeout: cfg.VisibilityTimeout, DLQName: cfg.DLQName})
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	driver := orchestrator.NewDriver(a.Importer, orchestrator.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		PollInterval:   cfg.WorkerPollInterval,
		Logger:         logger,
	})
	processor := workerproc.NewProcessor(q, driver, workerproc.Options{
		WorkerID:           workerID,
		MaxAttempts:        cfg.MaxAttempts,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		PollInterval:       cfg.WorkerPollInterval,
		ScheduledBatchSize: int64(cfg.ScheduledBatchSize),
		Logger:             logger,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "worker", workerID, "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
