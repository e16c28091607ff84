package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"scheme-hand/storage"
)

const backupPrefix = "backup-"

type BackupConfig struct {
	PostgresHost     string        `envconfig:"POSTGRES_HOST" required:"true"`
	PostgresPort     int           `envconfig:"POSTGRES_PORT" default:"5432"`
	PostgresUser     string        `envconfig:"POSTGRES_USER" required:"true"`
	PostgresPassword string        `envconfig:"POSTGRES_PASSWORD" required:"true"`
	PostgresDB       string        `envconfig:"POSTGRES_DB" required:"true"`
	BackupBucket     string        `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint   string        `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey  string        `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey  string        `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion     string        `envconfig:"BACKUP_S3_REGION" required:"true"`
	KeepBackups      int           `envconfig:"KEEP_BACKUPS" default:"4"`
	Timeout          time.Duration `envconfig:"BACKUP_TIMEOUT" default:"30m"`
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	logging.Info("Starte Backup-Prozess...")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logging.Fatal("Fehler beim Laden der Konfiguration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	// 1. Datenbank-Dump erstellen
	dumpData, err := createDump(ctx, cfg)
	if err != nil {
		logging.Fatal("Fehler beim Erstellen des DB-Dumps", zap.Error(err))
	}

	// 2. S3-Client erstellen
	s3Client, err := storage.NewS3Client(ctx, storage.S3Settings{
		Endpoint:  cfg.BackupEndpoint,
		Region:    cfg.BackupRegion,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
	})
	if err != nil {
		logging.Fatal("Fehler beim Erstellen des S3-Clients", zap.Error(err))
	}

	// 3. Backup nach S3 hochladen
	fileName := backupKey(time.Now())
	if err := storage.UploadFile(ctx, s3Client, cfg.BackupBucket, fileName, dumpData); err != nil {
		logging.Fatal("Fehler beim Hochladen nach S3", zap.Error(err))
	}
	logging.Info("Backup hochgeladen",
		zap.String("bucket", cfg.BackupBucket),
		zap.String("key", fileName),
		zap.Int("bytes", len(dumpData)))

	// 4. Alte Backups rotieren
	deleted, err := storage.RotateObjects(ctx, s3Client, cfg.BackupBucket, backupPrefix, cfg.KeepBackups, logging)
	if err != nil {
		logging.Fatal("Fehler bei der Rotation alter Backups", zap.Error(err))
	}

	logging.Info("Backup-Prozess erfolgreich abgeschlossen.", zap.Int("rotated", deleted))
}

func backupKey(now time.Time) string {
	return fmt.Sprintf("%s%s.sql.gz", backupPrefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}

func createDump(ctx context.Context, cfg BackupConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.PostgresHost,
		"-p", fmt.Sprint(cfg.PostgresPort),
		"-U", cfg.PostgresUser,
		"-d", cfg.PostgresDB,
		"-w", // Passwort wird über PGPASSWORD bereitgestellt
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.PostgresPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return gzipStream(stdout, func() error { return cmd.Wait() })
}

// gzipStream komprimiert r vollständig; wait wird erst nach dem Lesen aufgerufen.
func gzipStream(r io.Reader, wait func() error) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, r); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
