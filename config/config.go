package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter des Ingestion-Servers aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	CronSchedule      string `envconfig:"CRON_SCHEDULE" default:"0 */6 * * *"`
	SourcesFile       string `envconfig:"SOURCES_FILE" default:"sources.yaml"`
	IngestConcurrency int    `envconfig:"INGEST_CONCURRENCY" default:"4"`

	// Fetcher
	FetchTimeout        time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchMaxRetries     int           `envconfig:"FETCH_MAX_RETRIES" default:"3"`
	FetchBackoffInitial time.Duration `envconfig:"FETCH_BACKOFF_INITIAL" default:"1s"`
	FetchBackoffMax     time.Duration `envconfig:"FETCH_BACKOFF_MAX" default:"30s"`
	FetchMaxBytes       int64         `envconfig:"FETCH_MAX_BYTES" default:"10485760"`
	FetchRatePerHost    float64       `envconfig:"FETCH_RATE_PER_HOST" default:"1"`
	FetchUserAgent      string        `envconfig:"FETCH_USER_AGENT" default:"scheme-hand/1.0 (+https://github.com/scheme-hand)"`

	BreakerFailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerOpenTimeout      time.Duration `envconfig:"BREAKER_OPEN_TIMEOUT" default:"2m"`

	// Headless-Browser für JS-gerenderte Quellen, leer = deaktiviert
	BrowserControlURL string `envconfig:"BROWSER_CONTROL_URL"`

	StoreMaxRetries int `envconfig:"STORE_MAX_RETRIES" default:"3"`
	DeltaMaxLimit   int `envconfig:"DELTA_MAX_LIMIT" default:"500"`

	// Benachrichtigungen; ohne NATS_URL wird nur geloggt
	NATSURL     string `envconfig:"NATS_URL"`
	NotifyTopic string `envconfig:"NOTIFY_TOPIC" default:"new_schemes"`

	// Optionales Rohdaten-Archiv (S3-kompatibel)
	ArchiveS3Key    string `envconfig:"ARCHIVE_S3_KEY"`
	ArchiveS3Secret string `envconfig:"ARCHIVE_S3_SECRET"`
	ArchiveS3URL    string `envconfig:"ARCHIVE_S3_URL"`
	ArchiveS3Region string `envconfig:"ARCHIVE_S3_REGION" default:"eu-central-1"`
	ArchiveS3Bucket string `envconfig:"ARCHIVE_S3_BUCKET"`

	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

// ArchiveEnabled meldet, ob ein S3-Archiv für Rohdaten konfiguriert ist.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveS3Bucket != "" && c.ArchiveS3URL != ""
}

// Validate prüft feldübergreifende Bedingungen, die envconfig nicht abdeckt.
func (c *Config) Validate() error {
	var errs []error
	if c.IngestConcurrency < 1 {
		errs = append(errs, fmt.Errorf("INGEST_CONCURRENCY must be >= 1, got %d", c.IngestConcurrency))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT must be positive"))
	}
	if c.FetchMaxRetries < 0 {
		errs = append(errs, errors.New("FETCH_MAX_RETRIES must not be negative"))
	}
	if c.FetchMaxBytes <= 0 {
		errs = append(errs, errors.New("FETCH_MAX_BYTES must be positive"))
	}
	if c.FetchRatePerHost <= 0 {
		errs = append(errs, errors.New("FETCH_RATE_PER_HOST must be positive"))
	}
	if c.BreakerFailureThreshold == 0 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be >= 1"))
	}
	if c.StoreMaxRetries < 1 {
		errs = append(errs, errors.New("STORE_MAX_RETRIES must be >= 1"))
	}
	if c.DeltaMaxLimit < 1 || c.DeltaMaxLimit > 5000 {
		errs = append(errs, fmt.Errorf("DELTA_MAX_LIMIT must be within 1..5000, got %d", c.DeltaMaxLimit))
	}
	if (c.ArchiveS3Bucket == "") != (c.ArchiveS3URL == "") {
		errs = append(errs, errors.New("ARCHIVE_S3_URL and ARCHIVE_S3_BUCKET must be set together"))
	}
	return errors.Join(errs...)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
