package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/adirai/community-api/internal/api"
	"github.com/adirai/community-api/internal/clock"
	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/feed"
	"github.com/adirai/community-api/internal/idempotency"
	"github.com/adirai/community-api/internal/maintenance"
	"github.com/adirai/community-api/internal/metrics"
	"github.com/adirai/community-api/internal/notifications"
	"github.com/adirai/community-api/internal/scheduler"
	"github.com/adirai/community-api/internal/signals"
	"github.com/adirai/community-api/internal/storage"
	"github.com/adirai/community-api/internal/writequeue"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting community API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}

	store, err := storage.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	// Archived telemetry lives in blob storage when configured
	var archive storage.Archive
	if cfg.TelemetrySink == "blob" {
		archive, err = storage.NewAzureArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			logrus.Fatalf("Failed to initialize telemetry archive: %v", err)
		}
	}

	backend, err := idempotencyBackend(ctx, cfg, clk)
	if err != nil {
		logrus.Fatalf("Failed to initialize idempotency backend: %v", err)
	}

	notificationService := notifications.NewService(cfg)
	feedService := feed.NewService(store, cfg.FeedCacheTTL(), clk)
	signalService := signals.NewService(store, feedService, notificationService, clk, signals.Policy{
		UserLimitPerHour:    cfg.SignalUserLimitPerHour,
		NetworkLimitPerHour: cfg.SignalNetworkLimitPerHour,
		Window:              time.Hour,
	})

	queue := writequeue.New(writequeue.Options{
		Enabled:   cfg.QueueEnabled,
		Interval:  cfg.QueueFlushInterval(),
		BatchSize: cfg.QueueBatchSize,
		MaxSize:   cfg.QueueMaxSize,
	}, clk)
	queue.RegisterStore(store, archive)

	maintenanceService := maintenance.NewService(maintenance.OptionsFromConfig(cfg), store, archive, clk)

	idem := idempotency.New(idempotency.Options{
		Enabled:    cfg.IdempotencyEnabled,
		TTL:        cfg.IdempotencyTTL(),
		MaxEntries: cfg.IdempotencyMaxEntries,
		ClientIP:   api.ClientIP,
	}, backend)

	collector := metrics.New()
	collector.RegisterSources(metrics.Sources{
		Queue:       queue.Stats,
		Idempotency: idem.Stats,
		Feed:        feedService.Stats,
		Maintenance: maintenanceService.Status,
	})

	// Background jobs outlive the signal context so the final flush can still write
	schedulerService := scheduler.NewService(cfg, queue, maintenanceService)
	if err := schedulerService.Start(context.Background()); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.Port),
		Handler: api.NewServer(api.Deps{
			Config:      cfg,
			Store:       store,
			Signals:     signalService,
			Feed:        feedService,
			Queue:       queue,
			Idempotency: idem,
			Maintenance: maintenanceService,
			Metrics:     collector,
			Clock:       clk,
		}).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	// Flush what the last requests queued before the store closes
	if err := schedulerService.Stop(shutdownCtx); err != nil {
		logrus.Errorf("Scheduler stop failed: %v", err)
	}

	logrus.Info("Server exited")
}

func idempotencyBackend(ctx context.Context, cfg *config.Config, clk clock.Clock) (idempotency.Backend, error) {
	if cfg.IdempotencyBackend != "redis" {
		return idempotency.NewMemoryBackend(cfg.IdempotencyTTL(), cfg.IdempotencyMaxEntries, clk), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	logrus.WithField("addr", cfg.RedisAddr).Info("Using redis idempotency backend")
	return idempotency.NewRedisBackend(client, cfg.IdempotencyTTL()), nil
}
