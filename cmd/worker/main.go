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

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phd-nexus/nexus/internal/app"
	"github.com/phd-nexus/nexus/internal/auth"
	jobmetrics "github.com/phd-nexus/nexus/internal/jobs"
	"github.com/phd-nexus/nexus/internal/platform/db"
	"github.com/phd-nexus/nexus/internal/reports"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
	"github.com/phd-nexus/nexus/jobs"
	"github.com/phd-nexus/nexus/pdf"
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)

	reportsService := reports.NewService(reports.Deps{
		Repo:      reports.NewRepository(pool),
		Documents: templates,
		Renderer:  pdf.NewClient(cfg.GotenbergURL, pdf.PageOptions{}),
		Logger:    logger,
	})
	exportJob := jobs.NewReportExportJob(reportsService, cfg.ExportDir, logger, metrics)

	authService := auth.NewService(auth.NewRepository(pool), nil, nil, nil, logger)
	purgeJob := jobs.NewSessionPurgeJob(authService, shared.NewIdempotencyStore(pool), logger, metrics)
	purgeTask, err := jobs.NewSessionPurgeTask(int(jobs.DefaultIdempotencyRetention / time.Hour))
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReportExport, Handler: exportJob.Handle},
			{Type: jobs.TaskSessionPurge, Handler: purgeJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PurgeSchedule, Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.String("export_dir", cfg.ExportDir))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
