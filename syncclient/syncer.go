package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"scheme-hand/config"
	"scheme-hand/models"
)

// State ist der Zustand des Syncers.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateFailed  State = "failed"
)

// SchemeAPI ist die Sicht des Syncers auf die Store-API.
type SchemeAPI interface {
	Delta(ctx context.Context, since int64, limit int) (*DeltaPage, error)
	Scheme(ctx context.Context, id string) (*models.Scheme, error)
}

// AccessPolicy wird vor jedem Volltext-Abruf gefragt (z. B. Abo-Prüfung). Ein Fehler verweigert.
type AccessPolicy interface {
	AllowFullText(ctx context.Context, schemeID string) error
}

// AllowAll erlaubt jeden Volltext.
type AllowAll struct{}

func (AllowAll) AllowFullText(context.Context, string) error { return nil }

// PassReport fasst einen Sync-Durchgang zusammen.
type PassReport struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	Batches  int    `json:"batches"`
	Records  int    `json:"records"`
	Cursor   int64  `json:"cursor"`
}

// Syncer zieht Deltas in den lokalen Cache. Es läuft höchstens ein Durchgang gleichzeitig;
// Trigger während eines Durchgangs werden zu genau einem Folgedurchgang zusammengefasst.
type Syncer struct {
	Config *config.ClientConfig
	API    SchemeAPI
	Cache  *Cache
	Policy AccessPolicy
	Logger *zap.Logger

	triggers chan string
	passMu   sync.Mutex

	mu      sync.Mutex
	state   State
	lastErr error
	now     func() time.Time
}

// NewSyncer erstellt einen neuen Syncer. policy darf nil sein.
func NewSyncer(cfg *config.ClientConfig, api SchemeAPI, cache *Cache, policy AccessPolicy, logger *zap.Logger) *Syncer {
	if policy == nil {
		policy = AllowAll{}
	}
	return &Syncer{
		Config:   cfg,
		API:      api,
		Cache:    cache,
		Policy:   policy,
		Logger:   logger,
		triggers: make(chan string, 1),
		state:    StateIdle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Trigger fordert einen Durchgang an, ohne zu blockieren. false heißt: es ist bereits einer angefordert.
func (s *Syncer) Trigger(reason string) bool {
	select {
	case s.triggers <- reason:
		return true
	default:
		s.Logger.Debug("Sync bereits angefordert, Trigger zusammengefasst", zap.String("reason", reason))
		return false
	}
}

// Run verarbeitet Trigger und den periodischen Zeitplan, bis ctx endet.
func (s *Syncer) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.Config.Schedule, func() { s.Trigger("schedule") }); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.Config.Schedule, err)
	}
	c.Start()
	defer c.Stop()

	s.Trigger("startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-s.triggers:
			// Fehler sind bereits geloggt und im Cache vermerkt.
			_, _ = s.pass(ctx, reason)
		}
	}
}

// SyncNow führt einen Durchgang synchron aus.
func (s *Syncer) SyncNow(ctx context.Context) (PassReport, error) {
	return s.pass(ctx, "manual")
}

// State liefert den aktuellen Zustand und den Fehler des letzten fehlgeschlagenen Durchgangs.
func (s *Syncer) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastErr
}

func (s *Syncer) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.lastErr = err
}

func (s *Syncer) pass(ctx context.Context, reason string) (PassReport, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	report := PassReport{Reason: reason}
	log := s.Logger.With(zap.String("reason", reason))
	s.setState(StateSyncing, nil)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Config.BackoffInitial
	b.MaxElapsedTime = 0
	op := func() error {
		report.Attempts++
		return s.pull(ctx, &report)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.Config.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			log.Warn("Sync fehlgeschlagen, neuer Versuch", zap.Duration("wait", wait), zap.Error(err))
		})

	// Buchhaltung auch bei Abbruch schreiben
	bookCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.setState(StateFailed, err)
		if mErr := s.Cache.MarkFailed(bookCtx, err); mErr != nil {
			log.Error("Sync-Fehler konnte nicht vermerkt werden", zap.Error(mErr))
		}
		log.Error("Synchronisierung fehlgeschlagen", zap.Int("attempts", report.Attempts), zap.Error(err))
		return report, err
	}

	s.setState(StateIdle, nil)
	if mErr := s.Cache.MarkSynced(bookCtx, s.now()); mErr != nil {
		log.Error("Sync-Zeitpunkt konnte nicht vermerkt werden", zap.Error(mErr))
	}
	log.Info("Synchronisierung abgeschlossen",
		zap.Int("batches", report.Batches),
		zap.Int("records", report.Records),
		zap.Int64("cursor", report.Cursor))
	return report, nil
}

// pull blättert vom gespeicherten Cursor bis zum leeren Batch bzw. has_more=false.
// Jeder Batch wird atomar übernommen; ein Fehler lässt Cursor und Cache auf dem letzten Stand.
func (s *Syncer) pull(ctx context.Context, report *PassReport) error {
	for {
		cursor, err := s.Cache.Cursor(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		page, err := s.API.Delta(ctx, cursor, s.Config.BatchSize)
		if err != nil {
			return classifyAPIError(err)
		}
		report.Cursor = cursor
		if len(page.Schemes) == 0 {
			return nil
		}
		if page.Cursor <= cursor {
			return backoff.Permanent(fmt.Errorf("delta cursor did not advance (%d -> %d)", cursor, page.Cursor))
		}
		if err := s.Cache.ApplyBatch(ctx, page.Schemes, page.Cursor); err != nil {
			return err
		}
		report.Batches++
		report.Records += len(page.Schemes)
		report.Cursor = page.Cursor
		if !page.HasMore {
			return nil
		}
	}
}

func classifyAPIError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return backoff.Permanent(err)
	}
	return err
}

// FetchDetail holt ein Programm für die Detailansicht. Die AccessPolicy wird vor dem Abruf gefragt.
// Ist der Server nicht erreichbar, wird der gecachte Stand geliefert. Kennt der Server das Programm
// nicht mehr, bleibt ein Favorit verwaist sichtbar.
func (s *Syncer) FetchDetail(ctx context.Context, id string) (*CachedScheme, error) {
	if err := s.Policy.AllowFullText(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFullTextDenied, err)
	}

	sc, err := s.API.Scheme(ctx, id)
	switch {
	case errors.Is(err, ErrSchemeNotFound):
		if merr := s.Cache.MarkRemoved(ctx, id); merr != nil {
			return nil, merr
		}
		cached, cerr := s.Cache.Get(ctx, id)
		if cerr != nil {
			return nil, err
		}
		s.Logger.Info("Programm serverseitig entfernt, Favorit bleibt verwaist", zap.String("scheme_id", id))
		return cached, nil
	case err != nil:
		cached, cerr := s.Cache.Get(ctx, id)
		if cerr != nil {
			return nil, err
		}
		s.Logger.Warn("Detailabruf fehlgeschlagen, zeige gecachten Stand", zap.String("scheme_id", id), zap.Error(err))
		return cached, nil
	}

	if err := s.Cache.Merge(ctx, *sc); err != nil {
		return nil, err
	}
	return s.Cache.Get(ctx, id)
}
