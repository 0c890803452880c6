package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slotbook/slotbook/internal/app"
	"github.com/slotbook/slotbook/internal/businesses"
	"github.com/slotbook/slotbook/internal/observability"
	"github.com/slotbook/slotbook/internal/platform/cache"
	"github.com/slotbook/slotbook/internal/platform/db"
	"github.com/slotbook/slotbook/internal/rbac"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	rbacService.StartJanitor(ctx)

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running without invalidation fan-out", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		broadcaster := rbac.NewBroadcaster(redisClient, logger)
		rbacService.SetPublisher(broadcaster)
		go broadcaster.Listen(ctx, rbacService)
	}

	metrics := observability.NewMetrics()
	metrics.RegisterPermissionCache(func() observability.PermissionCacheStats {
		stats := rbacService.Stats()
		return observability.PermissionCacheStats{
			Size:             stats.Size,
			UtilizationPct:   stats.UtilizationPercent,
			InFlightRequests: stats.InFlightRequests,
		}
	})

	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware)
	businessHandler := businesses.NewHandler(logger, businessRepo, rbacMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RBACHandler:     rbacHandler,
		BusinessHandler: businessHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
