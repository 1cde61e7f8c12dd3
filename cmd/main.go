package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/api"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/monitoring"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/storage"
	"fleetwatch/internal/worker"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/logger"
)

func main() {
	if err := logger.Init(os.Getenv("GO_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Err(err))
	}

	logger.Info("Configuration loaded",
		logger.String("environment", cfg.Environment),
		logger.String("port", cfg.Port),
		logger.Int("targets", len(cfg.Targets)),
	)

	dbConn, err := storage.NewPostgresConnection(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("Error closing database connection", logger.Err(err))
		}
	}()
	logger.Info("Connected to PostgreSQL")

	if err := storage.Migrate(dbConn); err != nil {
		logger.Fatal("Failed to run migrations", logger.Err(err))
	}

	redisClient, err := storage.NewRedisConnection(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", logger.Err(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis connection", logger.Err(err))
		}
	}()
	logger.Info("Connected to Redis")

	var archive monitoring.Archiver
	if cfg.ArchiveEnabled {
		minioClient, err := storage.NewMinioClient(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to MinIO", logger.Err(err))
		}
		alertArchive, err := storage.NewAlertArchive(minioClient, cfg.ArchiveBucket)
		if err != nil {
			logger.Fatal("Failed to prepare alert archive bucket", logger.Err(err))
		}
		archive = alertArchive
		logger.Info("Connected to MinIO", logger.String("bucket", cfg.ArchiveBucket))
	}

	repo := storage.NewPostgresRepository(dbConn)
	cache := storage.NewLiveCache(redisClient)
	router := buildNotificationRouter(cfg)

	engine := monitoring.NewEngine(cfg, repo, cache, cache, router, archive)

	workerPool := worker.NewPool(cfg, engine)
	workerPool.Start()
	defer workerPool.Stop()

	if cfg.AccessLogPath != "" {
		collector := ingest.NewAccessLogCollector(
			engine,
			ingest.NewRedisOffsets(redisClient),
			cfg.AccessLogPath,
			cfg.LocalService,
		)
		collector.Start(context.Background())
		defer collector.Stop()
	}

	apiServer := api.NewServer(cfg, engine, workerPool, dbConn, redisClient)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting fleetwatch",
			logger.String("port", cfg.Port),
			logger.String("address", fmt.Sprintf("http://localhost:%s", cfg.Port)),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down fleetwatch...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", logger.Err(err))
	}

	logger.Info("Fleetwatch stopped")
}

// buildNotificationRouter assembles the configured channels. Slack and
// webhook fire on every alert; the pager only joins for CRITICAL.
func buildNotificationRouter(cfg *config.Config) *notify.Router {
	var alwaysOn, escalation []notify.Sink

	if cfg.SlackEnabled && cfg.SlackWebhookURL != "" {
		alwaysOn = append(alwaysOn, notify.NewSlackSink(cfg.SlackWebhookURL))
	}
	if cfg.WebhookEnabled && cfg.WebhookURL != "" {
		alwaysOn = append(alwaysOn, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.PagerEnabled && cfg.PagerURL != "" {
		escalation = append(escalation, notify.NewPagerSink(cfg.PagerURL, cfg.PagerRoutingKey))
	}

	if len(alwaysOn) == 0 && len(escalation) == 0 {
		logger.Warn("No notification channels configured; alerts will only be persisted")
		return nil
	}

	return notify.NewRouter(alwaysOn, escalation)
}
