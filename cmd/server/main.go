package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/handlers"
	"coaching_billing_echo/internal/logging"
	"coaching_billing_echo/internal/metrics"
	authMiddleware "coaching_billing_echo/internal/middleware"
	"coaching_billing_echo/internal/services"
	"coaching_billing_echo/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Firebase
	var verifier services.TokenVerifier
	authClient, err := services.InitFirebase(ctx, cfg.Firebase.CredentialsPath)
	if err != nil {
		logger.Warn("Firebase initialization failed, authenticated routes will answer 503", zap.Error(err))
	} else {
		verifier = authClient
	}

	// Initialize Database
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBLogLevel, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db, logger); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	var cache *services.RedisCache
	if cfg.RedisURL != "" {
		cache, err = services.NewRedisCache(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	m := metrics.New()
	signer := ecpay.NewSigner(cfg.ECPay.HashKey, cfg.ECPay.HashIV)
	gateway := ecpay.NewClient(ecpay.ClientConfig{
		BaseURL:    cfg.ECPay.BaseURL,
		MerchantID: cfg.ECPay.MerchantID,
		Timeout:    cfg.ECPay.Timeout,
	}, signer, logger, m)

	deps := services.Deps{
		DB:       db,
		Config:   cfg,
		Signer:   signer,
		Gateway:  gateway,
		Notifier: tasks.NewNotificationQueue(db),
		Cache:    services.NewSubscriptionCache(cache),
		Logger:   logger,
		Metrics:  m,
	}
	retry := services.NewRetryEngine(deps)
	subscriptions := services.NewSubscriptionService(deps, retry)
	maintenance := services.NewMaintenanceService(deps, retry, subscriptions)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = authMiddleware.ErrorHandler(logger)
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))

	handlers.RegisterRoutes(e, handlers.Handlers{
		Webhooks:      handlers.NewWebhookHandler(services.NewWebhookService(deps, retry)),
		Subscriptions: handlers.NewSubscriptionHandler(services.NewAuthorizationService(deps), subscriptions),
		Plans:         handlers.NewPlanHandler(cache),
		Preferences:   handlers.NewUserPreferenceHandler(db),
		Admin:         handlers.NewAdminHandler(retry, maintenance),
		Health:        handlers.NewHealthHandler(db),
	},
		authMiddleware.RequireAuth(verifier, db, logger),
		authMiddleware.RequireAdminToken(cfg.AdminToken),
	)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port), zap.String("ecpay_env", cfg.ECPay.Environment))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
