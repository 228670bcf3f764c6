package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "census-import/internal/api"
	"census-import/internal/app"
	"census-import/internal/config"
	"census-import/internal/queue"
	"census-import/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, config.ParseLevel(cfg.LogLevel))
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init import service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Without redis the API still serves synchronous imports.
	var (
		q       api.Queue
		limiter api.Limiter
	)
	if cfg.RedisAddr != "" {
		client := queue.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer client.Close()
		rq := queue.NewRedisQueue(client, queue.Options{VisibilityTimeout: cfg.VisibilityTimeout, DLQName: cfg.DLQName})
		if err := rq.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, async imports will fail until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		q = rq
		if cfg.RateLimitCapacity > 0 {
			limiter = ratelimit.NewTokenBucket(client, "rl", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		}
	}

	server := api.New(cfg, a.Importer, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
