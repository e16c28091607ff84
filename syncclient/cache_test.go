package syncclient

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scheme-hand/models"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCache(context.Background(), filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func scheme(id string, rev int64, title string) models.Scheme {
	return models.Scheme{
		ID:          id,
		SourceURL:   "https://gov.example/" + id,
		Title:       title,
		Summary:     "summary " + title,
		Gender:      models.GenderAll,
		Fingerprint: "fp-" + title,
		Revision:    rev,
		LastUpdated: time.UnixMilli(1_700_000_000_000 + rev).UTC(),
	}
}

func tombstone(sc models.Scheme, rev int64) models.Scheme {
	removed := time.UnixMilli(1_800_000_000_000).UTC()
	sc.Revision = rev
	sc.RemovedAt = &removed
	return sc
}

type cacheState struct {
	Cursor    int64
	Schemes   []CachedScheme
	Favorites []CachedScheme
}

// snapshot liest den vollständigen Cache-Inhalt inklusive verwaister Einträge.
func snapshot(t *testing.T, c *Cache) cacheState {
	t.Helper()
	ctx := context.Background()
	cursor, err := c.Cursor(ctx)
	require.NoError(t, err)
	all, err := c.querySchemes(ctx, `SELECT `+schemeColumns+` FROM schemes s
		LEFT JOIN favorites f ON f.scheme_id = s.id ORDER BY s.id`)
	require.NoError(t, err)
	favs, err := c.ListFavorites(ctx)
	require.NoError(t, err)
	return cacheState{Cursor: cursor, Schemes: all, Favorites: favs}
}

func TestApplyBatchIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	batch := []models.Scheme{scheme("1", 1, "A"), scheme("2", 2, "B")}

	require.NoError(t, c.ApplyBatch(ctx, batch, 2))
	once := snapshot(t, c)
	require.NoError(t, c.ApplyBatch(ctx, batch, 2))
	twice := snapshot(t, c)

	assert.Equal(t, once, twice)
	assert.Equal(t, int64(2), twice.Cursor)
	assert.Len(t, twice.Schemes, 2)
}

func TestApplyBatchPreservesFavorites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 1, "A")}, 1))
	savedAt := time.UnixMilli(1_750_000_000_000).UTC()
	require.NoError(t, c.AddFavorite(ctx, "1", savedAt))

	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 5, "A revised")}, 5))

	got, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "A revised", got.Title)
	assert.Equal(t, int64(5), got.Revision)
	assert.True(t, got.Favorite)
	assert.True(t, got.SavedAt.Equal(savedAt))
}

func TestApplyBatchIgnoresOlderRevisions(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 7, "new")}, 7))
	require.NoError(t, c.Merge(ctx, scheme("1", 3, "stale")))

	got, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, int64(7), got.Revision)
}

func TestApplyBatchRollsBackAndKeepsCursor(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 1, "A")}, 1))
	before := snapshot(t, c)

	broken := []models.Scheme{scheme("2", 2, "B"), scheme("", 3, "no id")}
	err := c.ApplyBatch(ctx, broken, 3)

	var mergeErr *SyncMergeError
	require.ErrorAs(t, err, &mergeErr)
	assert.Equal(t, int64(1), mergeErr.Cursor)
	assert.Equal(t, before, snapshot(t, c))
	_, err = c.Get(ctx, "2")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestRetryAfterInterruptedMergeMatchesCleanApply(t *testing.T) {
	ctx := context.Background()
	batch := []models.Scheme{scheme("1", 11, "One"), scheme("2", 12, "Two")}

	c := newTestCache(t)
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 10, "One v0")}, 10))
	require.NoError(t, c.AddFavorite(ctx, "1", time.UnixMilli(1_750_000_000_000)))

	// Abbruch mitten im Batch: nichts davon darf sichtbar werden
	interrupted := append(append([]models.Scheme{}, batch...), scheme("", 13, "crash"))
	require.Error(t, c.ApplyBatch(ctx, interrupted, 13))
	cursor, err := c.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cursor)

	// erneuter Abruf ab demselben Cursor
	require.NoError(t, c.ApplyBatch(ctx, batch, 12))

	clean := newTestCache(t)
	require.NoError(t, clean.ApplyBatch(ctx, []models.Scheme{scheme("1", 10, "One v0")}, 10))
	require.NoError(t, clean.AddFavorite(ctx, "1", time.UnixMilli(1_750_000_000_000)))
	require.NoError(t, clean.ApplyBatch(ctx, batch, 12))

	assert.Equal(t, snapshot(t, clean), snapshot(t, c))
	assert.Len(t, snapshot(t, c).Favorites, 1)
}

func TestTombstoneOfFavoriteMarksOrphaned(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	s1, s2 := scheme("1", 1, "A"), scheme("2", 2, "B")
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{s1, s2}, 2))
	require.NoError(t, c.AddFavorite(ctx, "1", time.Now()))

	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{tombstone(s1, 3), tombstone(s2, 4)}, 4))

	favs, err := c.ListFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.True(t, favs[0].Orphaned)

	_, err = c.Get(ctx, "2")
	assert.ErrorIs(t, err, ErrNotCached)

	visible, err := c.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	require.NoError(t, c.RemoveFavorite(ctx, "1"))
	_, err = c.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestQueryFiltersByAgeAndGender(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	a := scheme("a", 1, "A")
	a.AgeMin, a.AgeMax = models.IntPtr(0), models.IntPtr(5)
	b := scheme("b", 2, "B")
	b.AgeMin, b.AgeMax, b.Gender = models.IntPtr(6), models.IntPtr(14), models.GenderFemale
	cc := scheme("c", 3, "C")
	cc.Gender = models.GenderMale
	d := scheme("d", 4, "D")
	d.AgeMin = models.IntPtr(10)
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{a, b, cc, d}, 4))

	titles := func(f Filter) []string {
		rows, err := c.Query(ctx, f)
		require.NoError(t, err)
		var out []string
		for _, r := range rows {
			out = append(out, r.Title)
		}
		return out
	}

	assert.Equal(t, []string{"A", "B", "C", "D"}, titles(Filter{}))
	assert.Equal(t, []string{"A"}, titles(Filter{Age: models.IntPtr(3), Gender: models.GenderFemale}))
	assert.Equal(t, []string{"C", "D"}, titles(Filter{Age: models.IntPtr(12), Gender: models.GenderMale}))
	assert.Equal(t, []string{"B", "D"}, titles(Filter{Age: models.IntPtr(12), Gender: models.GenderFemale}))
	assert.Equal(t, []string{"A", "D"}, titles(Filter{Gender: models.GenderAll}))
}

func TestFavorites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 1, "A"), scheme("2", 2, "B")}, 2))

	assert.ErrorIs(t, c.AddFavorite(ctx, "missing", time.Now()), ErrNotCached)

	first := time.UnixMilli(1_750_000_000_000).UTC()
	require.NoError(t, c.AddFavorite(ctx, "1", first))
	require.NoError(t, c.AddFavorite(ctx, "2", first.Add(time.Hour)))
	require.NoError(t, c.AddFavorite(ctx, "1", first.Add(2*time.Hour)))

	favs, err := c.ListFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, favs, 2)
	assert.Equal(t, "2", favs[0].ID)
	assert.Equal(t, "1", favs[1].ID)
	assert.True(t, favs[1].SavedAt.Equal(first), "re-adding keeps the original timestamp")

	require.NoError(t, c.RemoveFavorite(ctx, "2"))
	favs, err = c.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Len(t, favs, 1)
	_, err = c.Get(ctx, "2")
	assert.NoError(t, err, "removing a favorite keeps an active scheme cached")
}

func TestStatus(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyBatch(ctx, []models.Scheme{scheme("1", 4, "A")}, 4))
	require.NoError(t, c.AddFavorite(ctx, "1", time.Now()))

	require.NoError(t, c.MarkFailed(ctx, assert.AnError))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Cursor)
	assert.Equal(t, assert.AnError.Error(), st.LastError)
	assert.Nil(t, st.LastSyncAt)
	assert.Equal(t, 1, st.Schemes)
	assert.Equal(t, 1, st.Favorites)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.MarkSynced(ctx, at))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastSyncAt)
	assert.True(t, st.LastSyncAt.Equal(at))
}

func TestOpenCacheIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := OpenCache(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.ApplyBatch(context.Background(), []models.Scheme{scheme("1", 1, "A")}, 1))
	require.NoError(t, c.Close())

	c, err = OpenCache(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	cursor, err := c.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}
