package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"figwatch/internal/aggregate"
	"figwatch/internal/config"
	"figwatch/internal/pipeline"
	"figwatch/internal/pkg/logger"
	"figwatch/internal/pkg/metrics"
	"figwatch/internal/pkg/notify"
	"figwatch/internal/pkg/queue"
	"figwatch/internal/pkg/ratelimit"
	"figwatch/internal/pkg/taskqueue"
	"figwatch/internal/scraper"
	"figwatch/internal/storage"
	"figwatch/internal/tasks"
)

// The worker binary executes queued tasks: catalog syncs, price fetches,
// aggregation and cleanup. Scale out by running more replicas; the consumer
// group splits the stream between them.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.InitMetrics(cfg.App.WorkerPoolSize)

	store, err := storage.Open(cfg.MySQL.DSN)
	if err != nil {
		appLogger.Error("open storage failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("ping redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rdb.Close()

	var global *ratelimit.RateLimiter
	if cfg.App.RateLimit > 0 {
		global = ratelimit.NewRedisRateLimiter(rdb, appLogger, "", cfg.App.RateLimit, cfg.App.RateBurst)
		appLogger.Info("global rate limit enabled",
			slog.Float64("rate", cfg.App.RateLimit),
			slog.Float64("burst", cfg.App.RateBurst))
	}

	sources := scraper.NewRegistry(cfg.Sources, global)
	defer sources.Close()

	pipe := pipeline.New(store, appLogger)
	engine := aggregate.NewEngine(store, appLogger)
	producer := taskqueue.NewProducer(rdb, appLogger, cfg.App.TaskQueueStream)

	registry := tasks.NewRegistry()
	handlers := tasks.NewHandlers(cfg, store, sources, pipe, engine, producer, appLogger)
	handlers.RegisterAll(registry)

	consumerID := fmt.Sprintf("worker-%d-%d", os.Getpid(), time.Now().Unix())
	consumer, err := taskqueue.NewConsumer(rdb, appLogger,
		cfg.App.TaskQueueStream, cfg.App.TaskQueueGroup, consumerID,
		taskqueue.WithMaxRetry(cfg.App.MaxRetry))
	if err != nil {
		appLogger.Error("init consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool := queue.NewQueue(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	runner := tasks.NewRunner(consumer, registry, pool, appLogger)
	runner.SetNotifier(notify.NewEmailNotifier(&cfg.Email, appLogger))

	runnerDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in task runner", slog.Any("panic", r))
				os.Exit(1)
			}
		}()
		runnerDone <- runner.Run(ctx)
	}()

	metricsAddr := ":2112"
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	appLogger.Info("worker started",
		slog.String("consumer_id", consumerID),
		slog.Int("pool_size", cfg.App.WorkerPoolSize),
		slog.String("stream", cfg.App.TaskQueueStream))

	<-ctx.Done()
	appLogger.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	// The runner drains the pool on its way out; in-flight tasks finish,
	// unacked messages get reclaimed by the next worker.
	if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("runner stopped with error", slog.String("error", err.Error()))
	}
	appLogger.Info("worker stopped gracefully")
}
