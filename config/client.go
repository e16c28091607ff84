package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ClientConfig enthält die Konfiguration des Sync-Clients auf dem Gerät.
type ClientConfig struct {
	APIURL string `envconfig:"SYNC_API_URL" default:"http://localhost:4242"`
	APIKey string `envconfig:"SYNC_API_KEY"`
	DBPath string `envconfig:"SYNC_DB_PATH" default:"schemes-cache.db"`

	// Periodischer Sync als Auffangnetz für verlorene Push-Nachrichten
	Schedule       string        `envconfig:"SYNC_SCHEDULE" default:"@every 6h"`
	BatchSize      int           `envconfig:"SYNC_BATCH_SIZE" default:"200"`
	MaxRetries     int           `envconfig:"SYNC_MAX_RETRIES" default:"3"`
	BackoffInitial time.Duration `envconfig:"SYNC_BACKOFF_INITIAL" default:"2s"`
	HTTPTimeout    time.Duration `envconfig:"SYNC_HTTP_TIMEOUT" default:"30s"`

	NATSURL     string `envconfig:"NATS_URL"`
	NotifyTopic string `envconfig:"NOTIFY_TOPIC" default:"new_schemes"`

	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// Validate prüft die Grenzen der Sync-Parameter.
func (c *ClientConfig) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("SYNC_API_URL is required"))
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("SYNC_BATCH_SIZE must be within 1..1000, got %d", c.BatchSize))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("SYNC_MAX_RETRIES must not be negative"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("SYNC_HTTP_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// LoadClient lädt die Client-Konfiguration aus den Umgebungsvariablen.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()
	var c ClientConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
