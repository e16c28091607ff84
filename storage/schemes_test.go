package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"scheme-hand/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func newScheme(url, title string) *models.Scheme {
	now := time.Now().UTC()
	return &models.Scheme{
		SourceURL:   url,
		Title:       title,
		Gender:      models.GenderAll,
		Fingerprint: "fp-" + title,
		FirstSeenAt: now,
		LastUpdated: now,
	}
}

func insert(t *testing.T, s *SchemeStore, id string, sc *models.Scheme) *models.Scheme {
	t.Helper()
	out, err := s.Apply(context.Background(), id, func(existing *models.Scheme) (*models.Scheme, error) {
		return sc, nil
	})
	require.NoError(t, err)
	return out
}

func TestApplyAssignsIncreasingRevisions(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))

	a := insert(t, s, "a", newScheme("https://x.gov/a", "A"))
	b := insert(t, s, "b", newScheme("https://x.gov/b", "B"))
	a2 := insert(t, s, "a", newScheme("https://x.gov/a", "A2"))

	assert.Equal(t, int64(1), a.Revision)
	assert.Equal(t, int64(2), b.Revision)
	assert.Equal(t, int64(3), a2.Revision)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "A2", got.Title)
	assert.Equal(t, int64(3), got.Revision)
}

func TestApplyPassesExistingAndSkipsNilWrite(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))
	insert(t, s, "a", newScheme("https://x.gov/a", "A"))

	var seen *models.Scheme
	out, err := s.Apply(context.Background(), "a", func(existing *models.Scheme) (*models.Scheme, error) {
		seen = existing
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NotNil(t, seen)
	assert.Equal(t, "A", seen.Title)

	d, err := s.ListSince(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Cursor)
}

func TestApplyRollsBackOnCallbackError(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))
	boom := errors.New("boom")

	_, err := s.Apply(context.Background(), "a", func(existing *models.Scheme) (*models.Scheme, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyConcurrentWritersGetDistinctRevisions(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("id-%d", i)
			_, err := s.Apply(context.Background(), id, func(existing *models.Scheme) (*models.Scheme, error) {
				return newScheme("https://x.gov/"+id, id), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	d, err := s.ListSince(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, d.Schemes, 10)
	for i, sc := range d.Schemes {
		assert.Equal(t, int64(i+1), sc.Revision)
	}
	assert.False(t, d.HasMore)
}

// insertBeforeCreate legt einmalig einen Datensatz mit derselben ID an, kurz bevor gorm den
// eigentlichen Insert ausführt. Apply sieht die Zeile beim Sperren noch nicht.
func insertBeforeCreate(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	var once sync.Once
	err := db.Callback().Create().Before("gorm:create").Register("test:concurrent_insert", func(tx *gorm.DB) {
		if tx.Statement.Table != "schemes" {
			return
		}
		once.Do(func() {
			now := time.Now().UTC()
			require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Exec(
				`INSERT INTO schemes (id, source_url, title, gender, fingerprint, revision, first_seen_at, last_updated, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, "https://x.gov/"+id, "winner", "all", "fp-winner", 1000, now, now, now, now).Error)
		})
	})
	require.NoError(t, err)
}

func TestApplyNewIDLosingRaceIsConflict(t *testing.T) {
	db := newTestDB(t)
	s := NewSchemeStore(db)
	insertBeforeCreate(t, db, "a")

	_, err := s.Apply(context.Background(), "a", func(existing *models.Scheme) (*models.Scheme, error) {
		require.Nil(t, existing)
		return newScheme("https://x.gov/a", "loser"), nil
	})
	var sce *StoreConflictError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "a", sce.ID)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	retried, err := s.Apply(context.Background(), "a", func(existing *models.Scheme) (*models.Scheme, error) {
		return newScheme("https://x.gov/a", "retry"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "retry", retried.Title)
}

func TestListSincePages(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		insert(t, s, id, newScheme("https://x.gov/"+id, id))
	}

	ctx := context.Background()
	first, err := s.ListSince(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, first.Schemes, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, int64(2), first.Cursor)

	second, err := s.ListSince(ctx, first.Cursor, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.Cursor)
	assert.True(t, second.HasMore)

	last, err := s.ListSince(ctx, second.Cursor, 2)
	require.NoError(t, err)
	assert.Len(t, last.Schemes, 1)
	assert.False(t, last.HasMore)
	assert.Equal(t, int64(5), last.Cursor)

	empty, err := s.ListSince(ctx, last.Cursor, 2)
	require.NoError(t, err)
	assert.Empty(t, empty.Schemes)
	assert.Equal(t, last.Cursor, empty.Cursor)
}

func TestTombstone(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))
	ctx := context.Background()
	insert(t, s, "a", newScheme("https://x.gov/a", "A"))

	tomb, err := s.Tombstone(ctx, "a")
	require.NoError(t, err)
	assert.True(t, tomb.Removed())
	assert.Equal(t, int64(2), tomb.Revision)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := s.ListSince(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, d.Schemes, 1)
	assert.NotNil(t, d.Schemes[0].RemovedAt)

	_, err = s.Tombstone(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Tombstone(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClassifyConflict(t *testing.T) {
	err := classifyConflict("a", &pgconn.PgError{Code: "40001"})
	var sce *StoreConflictError
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "a", sce.ID)

	err = classifyConflict("b", fmt.Errorf("create: %w", gorm.ErrDuplicatedKey))
	require.ErrorAs(t, err, &sce)
	assert.Equal(t, "b", sce.ID)

	plain := errors.New("disk full")
	assert.Equal(t, plain, classifyConflict("a", plain))
	assert.Nil(t, classifyConflict("a", nil))
}

func TestUpsertKeepsFirstSeen(t *testing.T) {
	s := NewSchemeStore(newTestDB(t))
	ctx := context.Background()

	first := newScheme("https://x.gov/u", "U")
	first.ID = "u"
	first.FirstSeenAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := s.Upsert(ctx, first)
	require.NoError(t, err)

	second := newScheme("https://x.gov/u", "U2")
	second.ID = "u"
	b, err := s.Upsert(ctx, second)
	require.NoError(t, err)

	assert.Greater(t, b.Revision, a.Revision)
	assert.True(t, b.FirstSeenAt.Equal(first.FirstSeenAt))
	assert.Equal(t, "U2", b.Title)
}
