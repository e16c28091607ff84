package main

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupKey(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("IST", 5*3600+1800))
	assert.Equal(t, "backup-2026-03-03T23-36-07Z.sql.gz", backupKey(ts))
}

func TestGzipStream(t *testing.T) {
	out, err := gzipStream(strings.NewReader("CREATE TABLE schemes;"), func() error { return nil })
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE schemes;", string(raw))

	_, err = gzipStream(strings.NewReader(""), func() error { return errors.New("pg_dump: exit status 1") })
	assert.Error(t, err)
}
