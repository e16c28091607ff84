package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scheme-hand/models"
)

func TestParseSources(t *testing.T) {
	data := []byte(`
sources:
  - id: wcd-portal
    name: Women and Child Development
    url: https://wcd.example.gov/api/schemes
    kind: JSONAPI
    headers:
      Authorization: Bearer abc
  - id: state-bulletin
    url: https://state.example.gov/feed.xml
    kind: rss
    disabled: true
`)
	sources, err := ParseSources(data)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, "wcd-portal", sources[0].ID)
	assert.Equal(t, models.KindJSONAPI, sources[0].Kind)
	assert.Equal(t, "Bearer abc", sources[0].Headers["Authorization"])
	assert.False(t, sources[0].Disabled)
	assert.True(t, sources[1].Disabled)
}

func TestParseSourcesRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing url", "sources:\n  - id: a\n    kind: rss\n"},
		{"bad url", "sources:\n  - id: a\n    url: not a url\n    kind: rss\n"},
		{"unknown kind", "sources:\n  - id: a\n    url: https://x.example\n    kind: pdf\n"},
		{"duplicate id", "sources:\n  - id: a\n    url: https://x.example\n    kind: rss\n  - id: a\n    url: https://y.example\n    kind: rss\n"},
		{"id with slash", "sources:\n  - id: a/b\n    url: https://x.example\n    kind: rss\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSources([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadSourcesMissingFile(t *testing.T) {
	_, err := LoadSources(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSourcesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: x\n    url: https://x.example/list\n    kind: htmlpage\n    selector: div.card\n"), 0o600))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "div.card", sources[0].Selector)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DB_HOST", "localhost")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")
	t.Setenv("DB_NAME", "schemes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "4242", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "new_schemes", cfg.NotifyTopic)
	assert.False(t, cfg.ArchiveEnabled())
	assert.Contains(t, cfg.DSN(), "sslmode=disable")
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := Config{
		IngestConcurrency:       0,
		FetchTimeout:            time.Second,
		FetchMaxBytes:           1,
		FetchRatePerHost:        1,
		BreakerFailureThreshold: 1,
		StoreMaxRetries:         1,
		DeltaMaxLimit:           10,
		ArchiveS3Bucket:         "only-bucket",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INGEST_CONCURRENCY")
	assert.Contains(t, err.Error(), "ARCHIVE_S3_URL")
}

func TestClientValidate(t *testing.T) {
	cfg := ClientConfig{APIURL: "http://x", BatchSize: 5000, HTTPTimeout: time.Second}
	assert.Error(t, cfg.Validate())

	cfg.BatchSize = 100
	assert.NoError(t, cfg.Validate())
}
