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
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/billsync/internal/app"
	"github.com/odyssey-erp/billsync/internal/ingest"
	jobmetrics "github.com/odyssey-erp/billsync/internal/jobs"
	"github.com/odyssey-erp/billsync/internal/observability"
	"github.com/odyssey-erp/billsync/internal/platform/cache"
	"github.com/odyssey-erp/billsync/jobs"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(observability.WithVersion(version))
	rt, err := app.NewRuntime(ctx, cfg, logger, metrics.Registerer())
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	parser, err := cfg.DateParser()
	if err != nil {
		logger.Error("date parser", slog.Any("error", err))
		os.Exit(1)
	}
	syncJob := jobs.NewBillSyncJob(rt.Engine, ingest.ReadFile, cfg.GroupingPolicy, logger, jobmetrics.NewMetrics(metrics.Registerer()))
	syncJob.Dates = parser
	syncJob.DryRun = app.InDryRun()

	var schedule []jobs.CronRegistration
	if cfg.SyncSource != "" && cfg.SyncSchedule != "" {
		task, err := jobs.NewBillSyncTask(jobs.BillSyncPayload{Source: cfg.SyncSource, PolicyFile: cfg.GroupingPolicyFile})
		if err != nil {
			logger.Error("build sync task", slog.Any("error", err))
			os.Exit(1)
		}
		schedule = append(schedule, jobs.CronRegistration{Spec: cfg.SyncSchedule, Task: task})
		logger.Info("scheduled sync", slog.String("spec", cfg.SyncSchedule), slog.String("source", cfg.SyncSource))
	}

	redisOpts := cache.QueueOpts(cfg.RedisAddr)
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillSync, Handler: syncJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()
	jobHandler := jobs.NewHandler(inspector, logger)
	ops := observability.NewServer(observability.ServerConfig{
		Addr:       cfg.OpsAddr,
		Production: cfg.IsProduction(),
		Logger:     logger,
		Metrics:    metrics,
		Mount: func(r chi.Router) {
			r.Route("/jobs", jobHandler.MountRoutes)
		},
	})
	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
		}
	}()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown", slog.Any("error", err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
