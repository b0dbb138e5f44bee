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

	"github.com/phd-nexus/nexus/internal/app"
	"github.com/phd-nexus/nexus/internal/auth"
	"github.com/phd-nexus/nexus/internal/groups"
	"github.com/phd-nexus/nexus/internal/observability"
	"github.com/phd-nexus/nexus/internal/platform/cache"
	"github.com/phd-nexus/nexus/internal/platform/db"
	"github.com/phd-nexus/nexus/internal/reports"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/tasks"
	"github.com/phd-nexus/nexus/internal/view"
	"github.com/phd-nexus/nexus/jobs"
	"github.com/phd-nexus/nexus/pdf"
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
	if cfg.OpenMode {
		logger.Warn("open mode enabled, authentication is disabled", slog.Int64("group_id", cfg.OpenModeGroup))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "nexus_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	groupsService := groups.NewService(groups.NewRepository(dbpool), auditLogger, logger)

	broadcaster := auth.NewBroadcaster(redisClient, logger)
	if err := broadcaster.Listen(ctx); err != nil {
		logger.Warn("auth events listen", slog.Any("error", err))
	}
	authService := auth.NewService(auth.NewRepository(dbpool), sessionManager, broadcaster, groupsService, logger)
	gates := app.NewGates(cfg, authService, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	pdfClient := pdf.NewClient(cfg.GotenbergURL, pdf.PageOptions{})

	tasksService := tasks.NewService(tasks.NewRepository(dbpool), groupsService, auditLogger, logger)
	reportsService := reports.NewService(reports.Deps{
		Repo:        reports.NewRepository(dbpool),
		Cache:       reports.NewLayoutCache(redisClient, cfg.LayoutCacheTTL),
		Documents:   templates,
		Renderer:    pdfClient,
		Queue:       jobClient,
		Idempotency: idempotencyStore,
		Audit:       auditLogger,
		Observer:    metrics,
		Logger:      logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Templates:      templates,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Verifier:       authService,
		Gates:          gates,
		AuthHandler:    auth.NewHandler(logger, authService, templates, csrfManager),
		GroupsHandler:  groups.NewHandler(logger, groupsService, templates, csrfManager, gates),
		TasksHandler:   tasks.NewHandler(logger, tasksService, templates, csrfManager, gates),
		ReportsHandler: reports.NewHandler(logger, reportsService, templates, csrfManager, gates),
		PDFHandler:     pdf.NewHandler(pdfClient, logger),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Dashboard: app.Dashboard{
			Tasks:   tasksService,
			Reports: reportsService,
			Pages:   view.Pages{Engine: templates, CSRF: csrfManager, Logger: logger},
			Logger:  logger,
		},
		Metrics: metrics,
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
