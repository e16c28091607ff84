package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"scheme-hand/config"
	"scheme-hand/messaging"
	"scheme-hand/services"
	"scheme-hand/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	var logging *zap.Logger
	if cfg.LogDevelopment {
		logging, err = zap.NewDevelopment()
	} else {
		logging, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to scheme database.")

	logging.Info("Running database auto-migration...")
	if err := storage.Migrate(db); err != nil {
		logging.Fatal("Database migration failed", zap.Error(err))
	}

	schemeStore := storage.NewSchemeStore(db)
	sourceStore := storage.NewSourceStore(db, logging)

	// Seeding
	seedDefaultSources(ctx, cfg, sourceStore, logging)

	// Setup Services
	var renderer services.Renderer
	if cfg.BrowserControlURL != "" {
		browser := services.NewBrowserTransport(cfg.BrowserControlURL, logging)
		defer browser.Close()
		renderer = browser
	}
	fetcher := services.NewFetcher(cfg, logging, renderer)
	normalizer := services.NewNormalizer(logging)

	sup := newSupervisor(logging)

	var notifier services.Notifier = &services.LogNotifier{Logger: logging}
	if cfg.NATSURL != "" {
		pub, err := messaging.NewNATSPublisher(cfg.NATSURL, messaging.NewZapLoggerAdapter(logging))
		if err != nil {
			logging.Fatal("NATS publisher creation failed", zap.Error(err))
		}
		wn := services.NewWatermillNotifier(pub, cfg.NotifyTopic, logging)
		sup.Add(&closerService{name: "notifier", closer: wn, logger: logging})
		notifier = wn
		logging.Info("Change notifications via NATS", zap.String("topic", cfg.NotifyTopic))
	} else {
		logging.Info("NATS_URL not set, change events are only logged")
	}
	detector := services.NewChangeDetector(schemeStore, notifier, logging, cfg.StoreMaxRetries)

	var archive services.SnapshotArchiver
	if cfg.ArchiveEnabled() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3Settings{
			Endpoint:  cfg.ArchiveS3URL,
			Region:    cfg.ArchiveS3Region,
			AccessKey: cfg.ArchiveS3Key,
			SecretKey: cfg.ArchiveS3Secret,
		})
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		archive = storage.NewArchive(s3Client, cfg.ArchiveS3Bucket, logging)
	}
	ingestion := services.NewIngestionService(cfg, sourceStore, fetcher, normalizer, detector, archive, logging)

	// Setup Router
	router := newRouter(cfg, schemeStore, sourceStore, ingestion, ctx, logging)

	sup.Add(&httpService{addr: ":" + cfg.HTTPPort, handler: router, logger: logging})
	sup.Add(&ingestScheduler{schedule: cfg.CronSchedule, ingest: ingestion, logger: logging})

	if err := sup.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal("Supervisor stopped", zap.Error(err))
	}
	logging.Info("Shutdown complete")
}

func seedDefaultSources(ctx context.Context, cfg *config.Config, store *storage.SourceStore, logger *zap.Logger) {
	sources, err := config.LoadSources(cfg.SourcesFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Source-Registry-Datei nicht gefunden, Seeding übersprungen", zap.String("file", cfg.SourcesFile))
		return
	}
	if err != nil {
		logger.Fatal("Source-Registry ungültig", zap.String("file", cfg.SourcesFile), zap.Error(err))
	}
	if err := store.Seed(ctx, sources); err != nil {
		logger.Fatal("Seeding der Quellen fehlgeschlagen", zap.Error(err))
	}
}
