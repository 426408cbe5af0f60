package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gatekeep/internal/app"
	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/authz"
	"github.com/noah-isme/gatekeep/internal/catalog"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/matrix"
	"github.com/noah-isme/gatekeep/internal/observability"
	"github.com/noah-isme/gatekeep/internal/overrides"
	platformdb "github.com/noah-isme/gatekeep/internal/platform/db"
	"github.com/noah-isme/gatekeep/jobs"
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

	pool, err := platformdb.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	cat, err := catalog.Load(ctx, pool)
	if err != nil {
		logger.Error("load permission catalog", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("permission catalog loaded", slog.Int("permissions", cat.Len()))

	metrics := observability.NewMetrics()

	grantsRepo := grants.NewRepository(pool)
	grantsService := grants.NewService(grantsRepo)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)

	overrideStore := overrides.NewStore(pool, auditRepo)

	snapshotCache := matrix.NewSnapshotCache(redisClient, cfg.SnapshotTTL)
	matrixService := matrix.NewService(cat, grantsService, overrideStore, snapshotCache, logger)
	coordinator := matrix.NewCoordinator(overrideStore, grantsService, cat, logger, metrics, snapshotCache)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	guard := authz.Middleware{Resolver: matrixService, Logger: logger}
	permissionsHandler := matrix.NewHandler(logger, matrixService, coordinator, auditService, jobClient, guard)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		PermissionsHandler: permissionsHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
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
