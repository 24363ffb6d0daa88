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

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/logging"
	"coaching_billing_echo/internal/metrics"
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
	logger = logger.Named("worker")

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBLogLevel, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	var (
		cache *services.RedisCache
		lock  tasks.Locker
	)
	if cfg.RedisURL != "" {
		cache, err = services.NewRedisCache(cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer cache.Close()
		lock = cache
	} else {
		logger.Warn("REDIS_URL not set, running without the cross-process lock")
	}

	m := metrics.New()
	signer := ecpay.NewSigner(cfg.ECPay.HashKey, cfg.ECPay.HashIV)
	deps := services.Deps{
		DB:     db,
		Config: cfg,
		Signer: signer,
		Gateway: ecpay.NewClient(ecpay.ClientConfig{
			BaseURL:    cfg.ECPay.BaseURL,
			MerchantID: cfg.ECPay.MerchantID,
			Timeout:    cfg.ECPay.Timeout,
		}, signer, logger, m),
		Notifier: tasks.NewNotificationQueue(db),
		Cache:    services.NewSubscriptionCache(cache),
		Logger:   logger,
		Metrics:  m,
	}
	retry := services.NewRetryEngine(deps)
	maintenance := services.NewMaintenanceService(deps, retry, services.NewSubscriptionService(deps, retry))

	// Initialize Task Registry
	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, tasks.Dependencies{
		Email:       services.NewEmailService(cfg.SMTP),
		Whatsapp:    services.NewWahaService(cfg.WAHA),
		Maintenance: maintenance,
		Logger:      logger,
	})
	executor := tasks.NewExecutor(db, registry, lock, cfg.Worker.LockTTL, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maintenanceTask := &tasks.BillingMaintenanceTaskDef{Service: maintenance}
	scheduled, err := maintenanceTask.EnsureScheduled(ctx, db, cfg.Worker.MaintenanceRRule, time.Now())
	if err != nil {
		logger.Fatal("Failed to schedule billing maintenance", zap.Error(err))
	}
	logger.Info("Billing maintenance scheduled", zap.Uint("task_id", scheduled.ID), zap.Time("due", scheduled.Due))

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	tick := func() {
		ran, err := executor.ProcessDue(ctx)
		if err != nil {
			logger.Error("Task tick failed", zap.Error(err))
			return
		}
		if ran > 0 {
			logger.Info("Task tick finished", zap.Int("executed", ran))
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.Worker.CronSpec, tick); err != nil {
		logger.Fatal("Invalid WORKER_CRON", zap.String("spec", cfg.Worker.CronSpec), zap.Error(err))
	}

	logger.Info("Worker started", zap.String("cron", cfg.Worker.CronSpec), zap.Strings("tasks", registry.Names()))
	tick()
	c.Start()

	<-ctx.Done()
	logger.Info("Shutting down worker")
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
