package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"scheme-hand/models"
	"scheme-hand/storage"
)

// Outcome ist die Klassifikation eines Drafts gegenüber dem Store.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// SchemeWriter ist die Schreibschnittstelle des Stores, die der ChangeDetector braucht.
type SchemeWriter interface {
	Apply(ctx context.Context, id string, fn storage.ApplyFunc) (*models.Scheme, error)
}

// ChangeDetector vergleicht Drafts über ihren Fingerprint mit dem Store, schreibt neue und
// geänderte Programme und benachrichtigt nach dem Commit.
type ChangeDetector struct {
	Store      SchemeWriter
	Notifier   Notifier
	Logger     *zap.Logger
	MaxRetries int

	locks keyedMutex
	now   func() time.Time
}

// NewChangeDetector erstellt einen neuen ChangeDetector.
func NewChangeDetector(store SchemeWriter, notifier Notifier, logger *zap.Logger, maxRetries int) *ChangeDetector {
	return &ChangeDetector{
		Store:      store,
		Notifier:   notifier,
		Logger:     logger,
		MaxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Process klassifiziert einen kanonischen Draft und persistiert ihn bei Bedarf.
// Bei Unchanged wird weder geschrieben noch benachrichtigt.
func (d *ChangeDetector) Process(ctx context.Context, draft models.SchemeDraft) (Outcome, *models.Scheme, error) {
	id := SchemeID(draft.SourceURL)
	fp := Fingerprint(draft)
	log := d.Logger.With(zap.String("scheme_id", id), zap.String("source_url", draft.SourceURL))

	unlock := d.locks.Lock(id)
	defer unlock()

	var outcome Outcome
	var written *models.Scheme
	op := func() error {
		var err error
		written, err = d.Store.Apply(ctx, id, func(existing *models.Scheme) (*models.Scheme, error) {
			outcome, existing = classify(existing, fp)
			switch outcome {
			case OutcomeUnchanged:
				return nil, nil
			case OutcomeNew:
				now := d.now()
				sc := applyDraft(&models.Scheme{FirstSeenAt: now}, draft)
				sc.Fingerprint = fp
				sc.LastUpdated = now
				return sc, nil
			default:
				sc := applyDraft(existing, draft)
				sc.Fingerprint = fp
				sc.LastUpdated = d.now()
				return sc, nil
			}
		})
		var conflict *storage.StoreConflictError
		if err != nil && !errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	retries := d.MaxRetries
	if retries < 1 {
		retries = 1
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries-1)), ctx),
		func(err error, wait time.Duration) {
			log.Warn("Schreibkonflikt, Transaktion wird wiederholt", zap.Duration("wait", wait), zap.Error(err))
		})
	if err != nil {
		return "", nil, err
	}

	switch outcome {
	case OutcomeNew:
		schemesCreated.Inc()
		log.Info("Neues Programm erkannt", zap.Int64("revision", written.Revision))
		d.notify(ctx, models.ChangeEvent{Type: models.EventSchemeCreated, SchemeID: id, Fingerprint: fp}, log)
	case OutcomeUpdated:
		schemesUpdated.Inc()
		log.Info("Programm geändert", zap.Int64("revision", written.Revision))
		d.notify(ctx, models.ChangeEvent{Type: models.EventSchemeUpdated, SchemeID: id, Fingerprint: fp}, log)
	default:
		schemesUnchanged.Inc()
	}
	return outcome, written, nil
}

// classify entscheidet anhand des Fingerprints. Administrativ entfernte Programme werden
// von der Ingestion nicht wiederbelebt.
func classify(existing *models.Scheme, fp string) (Outcome, *models.Scheme) {
	switch {
	case existing == nil:
		return OutcomeNew, nil
	case existing.Removed(), existing.Fingerprint == fp:
		return OutcomeUnchanged, existing
	default:
		return OutcomeUpdated, existing
	}
}

// applyDraft übernimmt die Inhaltsfelder eines Drafts. SourceURL bleibt nach der Erkennung fest.
func applyDraft(sc *models.Scheme, draft models.SchemeDraft) *models.Scheme {
	next := *sc
	if next.SourceURL == "" {
		next.SourceURL = draft.SourceURL
	}
	next.SourceID = draft.SourceID
	next.Title = draft.Title
	next.Summary = draft.Summary
	next.FullText = draft.FullText
	next.AgeMin = draft.AgeMin
	next.AgeMax = draft.AgeMax
	next.Gender = draft.Gender
	next.GovernmentLevel = draft.GovernmentLevel
	return &next
}

// notify veröffentlicht nach dem Commit. Fehler werden nur geloggt; der periodische Sync fängt sie auf.
func (d *ChangeDetector) notify(ctx context.Context, ev models.ChangeEvent, log *zap.Logger) {
	if d.Notifier == nil {
		return
	}
	if err := d.Notifier.Publish(ctx, ev); err != nil {
		notifyFailures.Inc()
		log.Warn("Benachrichtigung fehlgeschlagen", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// keyedMutex serialisiert Arbeit pro Schlüssel innerhalb eines Prozesses.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock sperrt key und gibt die passende Unlock-Funktion zurück.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
