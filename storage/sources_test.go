package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scheme-hand/models"
)

func TestSeedKeepsPollBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := NewSourceStore(newTestDB(t), zap.NewNop())

	require.NoError(t, s.Seed(ctx, []models.Source{
		{ID: "a", URL: "https://a.gov/feed", Kind: models.KindRSS},
		{ID: "b", URL: "https://b.gov/api", Kind: models.KindJSONAPI, Disabled: true},
	}))

	now := time.Now().UTC()
	require.NoError(t, s.RecordPoll(ctx, "a", models.PollResult{PolledAt: now, ETag: `"v1"`, ContentHash: "h1"}))

	require.NoError(t, s.Seed(ctx, []models.Source{
		{ID: "a", URL: "https://a.gov/feed2", Kind: models.KindRSS, Headers: map[string]string{"X-Key": "k"}},
	}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "https://a.gov/feed2", got.URL)
	assert.Equal(t, "k", got.Headers["X-Key"])
	assert.Equal(t, `"v1"`, got.ETag)
	assert.Equal(t, "h1", got.LastContentHash)

	enabled, err := s.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)
}

func TestRecordPollFailureKeepsValidators(t *testing.T) {
	ctx := context.Background()
	s := NewSourceStore(newTestDB(t), zap.NewNop())
	require.NoError(t, s.Create(ctx, &models.Source{ID: "a", URL: "https://a.gov", Kind: models.KindHTMLPage}))

	now := time.Now().UTC()
	require.NoError(t, s.RecordPoll(ctx, "a", models.PollResult{PolledAt: now, ETag: "e1", LastModified: "lm", ContentHash: "h1"}))
	require.NoError(t, s.RecordPoll(ctx, "a", models.PollResult{PolledAt: now, Err: errors.New("timeout")}))
	require.NoError(t, s.RecordPoll(ctx, "a", models.PollResult{PolledAt: now, Err: errors.New("timeout")}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ETag)
	assert.Equal(t, "h1", got.LastContentHash)
	assert.Equal(t, 2, got.FailCount)
	assert.Equal(t, "timeout", got.LastError)

	require.NoError(t, s.RecordPoll(ctx, "a", models.PollResult{PolledAt: now, ETag: "e2"}))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, got.FailCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, "h1", got.LastContentHash)
}

func TestCreateDuplicateAndFindByURL(t *testing.T) {
	ctx := context.Background()
	s := NewSourceStore(newTestDB(t), zap.NewNop())
	require.NoError(t, s.Create(ctx, &models.Source{ID: "a", URL: "https://a.gov", Kind: models.KindRSS}))

	err := s.Create(ctx, &models.Source{ID: "a", URL: "https://other.gov", Kind: models.KindRSS})
	var sce *StoreConflictError
	assert.ErrorAs(t, err, &sce)

	found, err := s.FindByURL(ctx, "https://a.gov")
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)

	_, err = s.FindByURL(ctx, "https://missing.gov")
	assert.ErrorIs(t, err, ErrNotFound)
}
