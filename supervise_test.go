package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"scheme-hand/services"
)

type countingRunner struct {
	calls chan struct{}
}

func (r *countingRunner) RunAll(ctx context.Context) (services.RunReport, error) {
	r.calls <- struct{}{}
	return services.RunReport{}, nil
}

func TestIngestSchedulerRejectsInvalidSchedule(t *testing.T) {
	s := &ingestScheduler{schedule: "not a schedule", ingest: &countingRunner{}, logger: zap.NewNop()}
	err := s.Serve(context.Background())
	assert.True(t, errors.Is(err, suture.ErrDoNotRestart))
}

func TestIngestSchedulerRunsUntilCancelled(t *testing.T) {
	r := &countingRunner{calls: make(chan struct{}, 8)}
	s := &ingestScheduler{schedule: "@every 1s", ingest: r, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case <-r.calls:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled ingestion did not run")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHTTPServiceShutsDownOnCancel(t *testing.T) {
	h := &httpService{
		addr:    "127.0.0.1:0",
		handler: http.NotFoundHandler(),
		logger:  zap.NewNop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("http service did not stop")
	}
}
