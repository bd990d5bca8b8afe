package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/sumire/pulse/internal/config"
	"github.com/sumire/pulse/internal/handler"
	"github.com/sumire/pulse/internal/repository"
	"github.com/sumire/pulse/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("database connected")

	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("pulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()
	slog.Info("nats connected", "url", nc.ConnectedUrl())

	presenceStore, err := repository.NewPresenceStore(nc, cfg.PresenceTTL)
	if err != nil {
		return fmt.Errorf("presence store: %w", err)
	}

	prefRepo := repository.NewPreferenceRepository(db)
	notifRepo := repository.NewNotificationRepository(db)
	jobRepo := repository.NewDigestJobRepository(db)

	authSvc := service.NewAuthService(cfg.JWTSecret)
	tokenSvc := service.NewTokenService(cfg.UnsubscribeSecret)

	var mailer service.Mailer = service.LogMailer{}
	if cfg.MailerWebhookURL != "" {
		mailer = service.NewWebhookMailer(cfg.MailerWebhookURL)
	}

	runner := cron.New()
	runner.Start()
	defer runner.Stop()

	worker := service.NewDigestWorker(notifRepo, jobRepo, tokenSvc, mailer, cfg.PublicURL, cfg.UnsubscribeTokenTTL)
	scheduler := service.NewDigestScheduler(prefRepo, jobRepo, runner, worker, cfg.Production())
	if err := scheduler.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile digest jobs: %w", err)
	}

	prefSvc := service.NewPreferenceService(prefRepo, scheduler)
	router := service.NewRouter(prefSvc, notifRepo, mailer)
	gateway := service.NewPresenceGateway(presenceStore, presenceStore, cfg.PresenceDebounce)

	sweeper := service.NewSweeper(presenceStore, presenceStore, cfg.SweepInterval, cfg.PresenceTTL)
	go sweeper.Run(ctx)

	prefHandler := handler.NewPreferenceHandler(prefSvc)
	notifHandler := handler.NewNotificationHandler(notifRepo)
	presenceHandler := handler.NewPresenceHandler(gateway)
	eventHandler := handler.NewEventHandler(router)
	unsubHandler := handler.NewUnsubscribeHandler(tokenSvc, prefSvc)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewAppValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler

	e.Use(middleware.RequestID())
	e.Use(handler.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.FrontendURL},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentType},
		ExposeHeaders:    []string{echo.HeaderXRequestID},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	e.GET("/health", func(c echo.Context) error {
		return handler.JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Public surface: rate-limited per IP against token guessing.
	e.GET("/unsubscribe", unsubHandler.Unsubscribe,
		middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.UnsubscribeRPS))))

	api := e.Group("/api/v1")

	authed := api.Group("", handler.JWTAuth(authSvc))
	authed.GET("/preferences", prefHandler.Get)
	authed.PATCH("/preferences", prefHandler.Update)
	authed.POST("/preferences/reset", prefHandler.Reset)
	authed.GET("/notifications", notifHandler.List)
	authed.POST("/notifications/:id/read", notifHandler.MarkRead)

	internal := api.Group("/internal", handler.InternalAuth(cfg.InternalToken))
	internal.POST("/presence/join", presenceHandler.Join)
	internal.POST("/presence/heartbeat", presenceHandler.Heartbeat)
	internal.POST("/presence/leave", presenceHandler.Leave)
	internal.GET("/presence/:scope_id", presenceHandler.Scope)
	internal.POST("/events", eventHandler.Ingest)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
