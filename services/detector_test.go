package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scheme-hand/models"
	"scheme-hand/storage"
)

func sampleDraft() models.SchemeDraft {
	return models.SchemeDraft{
		SourceID:  "wcd",
		SourceURL: "https://wcd.example.gov/schemes/ssy",
		Title:     "Sukanya Samriddhi",
		Summary:   "Savings for girls",
		AgeMin:    models.IntPtr(0),
		AgeMax:    models.IntPtr(10),
		Gender:    models.GenderFemale,
	}
}

func TestDetectorNewUnchangedUpdated(t *testing.T) {
	ctx := context.Background()
	store := storage.NewSchemeStore(newTestDB(t))
	notifier := &recordingNotifier{}
	d := NewChangeDetector(store, notifier, zap.NewNop(), 3)

	draft := sampleDraft()
	outcome, created, err := d.Process(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	assert.Equal(t, SchemeID(draft.SourceURL), created.ID)
	assert.Equal(t, Fingerprint(draft), created.Fingerprint)

	outcome, _, err = d.Process(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)

	stored, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Revision, stored.Revision, "unchanged content must not write")
	assert.True(t, created.LastUpdated.Equal(stored.LastUpdated))

	changed := draft
	changed.AgeMax = models.IntPtr(12)
	outcome, updated, err := d.Process(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, created.ID, updated.ID)
	assert.Greater(t, updated.Revision, created.Revision)
	assert.True(t, updated.FirstSeenAt.Equal(created.FirstSeenAt))

	events := notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, models.EventSchemeCreated, events[0].Type)
	assert.Equal(t, models.EventSchemeUpdated, events[1].Type)
	assert.Equal(t, created.ID, events[1].SchemeID)
}

func TestDetectorKeepsIdentityWhenLinklessTitleChanges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewSchemeStore(newTestDB(t))
	notifier := &recordingNotifier{}
	d := NewChangeDetector(store, notifier, zap.NewNop(), 3)
	n := NewNormalizer(zap.NewNop())
	src := models.Source{ID: "wcd", URL: "https://wcd.example.gov/api/schemes", Kind: models.KindJSONAPI}

	first, err := n.Normalize([]byte(`[{"id": 42, "title": "Poshan Abhiyaan"}]`), src)
	require.NoError(t, err)
	require.Len(t, first, 1)
	outcome, created, err := d.Process(ctx, first[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)

	renamed, err := n.Normalize([]byte(`[{"id": 42, "title": "POSHAN 2.0"}]`), src)
	require.NoError(t, err)
	require.Len(t, renamed, 1)
	outcome, updated, err := d.Process(ctx, renamed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "POSHAN 2.0", updated.Title)

	active, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestDetectorNotifyFailureDoesNotFail(t *testing.T) {
	store := storage.NewSchemeStore(newTestDB(t))
	notifier := &recordingNotifier{err: errors.New("broker down")}
	d := NewChangeDetector(store, notifier, zap.NewNop(), 3)

	outcome, _, err := d.Process(context.Background(), sampleDraft())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)

	_, err = store.Get(context.Background(), SchemeID(sampleDraft().SourceURL))
	assert.NoError(t, err, "commit happens before notification")
}

func TestDetectorDoesNotResurrectRemovedScheme(t *testing.T) {
	ctx := context.Background()
	store := storage.NewSchemeStore(newTestDB(t))
	notifier := &recordingNotifier{}
	d := NewChangeDetector(store, notifier, zap.NewNop(), 3)

	_, sc, err := d.Process(ctx, sampleDraft())
	require.NoError(t, err)
	_, err = store.Tombstone(ctx, sc.ID)
	require.NoError(t, err)

	changed := sampleDraft()
	changed.Title = "Renamed"
	outcome, _, err := d.Process(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Len(t, notifier.Events(), 1)
}

func TestDetectorConcurrentSameDraftCreatesOnce(t *testing.T) {
	store := storage.NewSchemeStore(newTestDB(t))
	notifier := &recordingNotifier{}
	d := NewChangeDetector(store, notifier, zap.NewNop(), 3)

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := d.Process(context.Background(), sampleDraft())
			assert.NoError(t, err)
			if outcome == OutcomeNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Len(t, notifier.Events(), 1)
}

// conflictingWriter liefert die ersten n Male einen Konflikt.
type conflictingWriter struct {
	inner     SchemeWriter
	conflicts int
	calls     int
}

func (c *conflictingWriter) Apply(ctx context.Context, id string, fn storage.ApplyFunc) (*models.Scheme, error) {
	c.calls++
	if c.calls <= c.conflicts {
		return nil, &storage.StoreConflictError{ID: id, Err: errors.New("serialization failure")}
	}
	return c.inner.Apply(ctx, id, fn)
}

func TestDetectorRetriesStoreConflicts(t *testing.T) {
	w := &conflictingWriter{inner: storage.NewSchemeStore(newTestDB(t)), conflicts: 2}
	d := NewChangeDetector(w, nil, zap.NewNop(), 3)

	outcome, _, err := d.Process(context.Background(), sampleDraft())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	assert.Equal(t, 3, w.calls)
}

func TestDetectorGivesUpAfterMaxRetries(t *testing.T) {
	w := &conflictingWriter{inner: storage.NewSchemeStore(newTestDB(t)), conflicts: 10}
	d := NewChangeDetector(w, nil, zap.NewNop(), 2)

	_, _, err := d.Process(context.Background(), sampleDraft())
	var sce *storage.StoreConflictError
	assert.ErrorAs(t, err, &sce)
	assert.Equal(t, 2, w.calls)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
