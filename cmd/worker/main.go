package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/slotbook/slotbook/internal/app"
	"github.com/slotbook/slotbook/internal/businesses"
	jobmetrics "github.com/slotbook/slotbook/internal/jobs"
	"github.com/slotbook/slotbook/internal/observability"
	"github.com/slotbook/slotbook/internal/platform/cache"
	"github.com/slotbook/slotbook/internal/platform/db"
	"github.com/slotbook/slotbook/internal/rbac"
	"github.com/slotbook/slotbook/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rbacRepo := rbac.NewSQLRepository(pool)
	businessRepo := businesses.NewRepository(pool)
	rbacService := rbac.NewService(rbacRepo, businessRepo, logger, cfg.RBACConfig())

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Sweeps run here but must reach every instance's cache.
	broadcaster := rbac.NewBroadcaster(redisClient, logger)
	rbacService.SetPublisher(broadcaster)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	sweepJob := jobs.NewRoleExpirySweepJob(rbacRepo, rbacService, logger, jobMetrics)
	sweepTask, err := jobs.NewRoleExpirySweepTask(0)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	// Catch-up run: grants that expired while no worker was up are purged
	// immediately instead of waiting for the next cron tick.
	queueClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("build queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	if _, err := queueClient.EnqueueRoleExpirySweep(ctx, 0); err != nil {
		logger.Warn("enqueue catch-up sweep", slog.Any("error", err))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRoleExpirySweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 10m", Task: sweepTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	healthServer := startHealthServer(cfg.WorkerAddr, redisOpts, metrics, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown", slog.Any("error", err))
		}
	}()

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// startHealthServer exposes queue health and job metrics alongside the
// worker. Failures here degrade observability only, never job processing.
func startHealthServer(addr string, redisOpts asynq.RedisClientOpt, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	handler := jobs.NewHandler(asynq.NewInspector(redisOpts), logger)

	r := chi.NewRouter()
	r.Route("/jobs", handler.MountRoutes)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	server := &http.Server{Addr: addr, Handler: r, ReadTimeout: 10 * time.Second}
	go func() {
		logger.Info("starting worker health server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker health server", slog.Any("error", err))
		}
	}()
	return server
}
