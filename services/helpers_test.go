package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"scheme-hand/config"
	"scheme-hand/models"
	"scheme-hand/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		IngestConcurrency:       2,
		FetchTimeout:            2 * time.Second,
		FetchMaxRetries:         3,
		FetchBackoffInitial:     time.Millisecond,
		FetchBackoffMax:         5 * time.Millisecond,
		FetchMaxBytes:           1 << 20,
		FetchRatePerHost:        1000,
		FetchUserAgent:          "scheme-hand-test",
		BreakerFailureThreshold: 100,
		BreakerOpenTimeout:      time.Minute,
		StoreMaxRetries:         3,
		DeltaMaxLimit:           100,
		NotifyTopic:             "new_schemes",
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, storage.Migrate(db))
	return db
}

// recordingNotifier merkt sich alle veröffentlichten Events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	err    error
}

func (r *recordingNotifier) Publish(_ context.Context, ev models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) Events() []models.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeEvent(nil), r.events...)
}
