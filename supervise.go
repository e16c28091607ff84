package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"scheme-hand/services"
)

const shutdownTimeout = 10 * time.Second

// newSupervisor baut den Wurzel-Supervisor. Ereignisse (Neustarts, Backoff) landen im zap-Log.
func newSupervisor(logger *zap.Logger) *suture.Supervisor {
	log := logger.With(zap.String("component", "supervisor"))
	return suture.New("scheme-hand", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("Supervisor-Ereignis", zap.String("type", fmt.Sprint(e.Type())), zap.Any("details", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

// httpService betreibt die API. Pro Start wird ein frischer http.Server angelegt,
// da ein heruntergefahrener Server nicht wieder starten kann.
type httpService struct {
	addr    string
	handler http.Handler
	logger  *zap.Logger
}

func (h *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	h.logger.Info("Starting server", zap.String("addr", h.addr))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http-server" }

// runner ist der Teil des IngestionService, den der Scheduler braucht.
type runner interface {
	RunAll(ctx context.Context) (services.RunReport, error)
}

// ingestScheduler löst RunAll nach CRON_SCHEDULE aus. Läuft ein Durchgang noch, wird der Tick übersprungen.
type ingestScheduler struct {
	schedule string
	ingest   runner
	logger   *zap.Logger
}

func (s *ingestScheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger.Sugar()})))
	_, err := c.AddFunc(s.schedule, func() {
		s.logger.Info("Running scheduled ingestion...")
		report, err := s.ingest.RunAll(ctx)
		if err != nil {
			s.logger.Error("Cron job failed", zap.Error(err))
			return
		}
		s.logger.Info("Cron job completed",
			zap.Int("created", report.Created),
			zap.Int("updated", report.Updated),
			zap.Int("failed_sources", report.FailedSources))
	})
	if err != nil {
		// ein ungültiger Ausdruck wird durch Neustarts nicht besser
		return fmt.Errorf("%w: invalid cron schedule %q: %v", suture.ErrDoNotRestart, s.schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (s *ingestScheduler) String() string { return "ingest-scheduler" }

// closerService hält eine Ressource bis zum Shutdown offen und schließt sie dann.
type closerService struct {
	name   string
	closer io.Closer
	logger *zap.Logger
}

func (c *closerService) Serve(ctx context.Context) error {
	<-ctx.Done()
	if err := c.closer.Close(); err != nil {
		c.logger.Warn("Fehler beim Schließen", zap.String("service", c.name), zap.Error(err))
	}
	return suture.ErrDoNotRestart
}

func (c *closerService) String() string { return c.name }

// cronLogger leitet cron-Meldungen an zap weiter.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
