package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scheme-hand/config"
	"scheme-hand/models"
)

// SourceRepository ist die Sicht der Ingestion auf die Source Registry.
type SourceRepository interface {
	ListEnabled(ctx context.Context) ([]models.Source, error)
	Get(ctx context.Context, id string) (*models.Source, error)
	RecordPoll(ctx context.Context, id string, res models.PollResult) error
}

// SnapshotFetcher holt rohe Snapshots.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, src models.Source) (*FetchResult, error)
}

// SnapshotArchiver legt rohe Snapshots ab.
type SnapshotArchiver interface {
	StoreSnapshot(ctx context.Context, sourceID, contentHash string, body []byte) (string, error)
}

// SourceReport ist das Ergebnis eines Laufs für eine Quelle.
type SourceReport struct {
	SourceID    string `json:"source_id"`
	Skipped     bool   `json:"skipped,omitempty"`
	NotModified bool   `json:"not_modified,omitempty"`
	Drafts      int    `json:"drafts"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	Err         error  `json:"-"`
}

// RunReport fasst einen Lauf über alle Quellen zusammen.
type RunReport struct {
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Sources       []SourceReport `json:"sources"`
	Created       int            `json:"created"`
	Updated       int            `json:"updated"`
	Unchanged     int            `json:"unchanged"`
	FailedSources int            `json:"failed_sources"`
}

// IngestionService orchestriert Fetcher → Normalizer → ChangeDetector pro Quelle.
type IngestionService struct {
	Config     *config.Config
	Sources    SourceRepository
	Fetcher    SnapshotFetcher
	Normalizer *Normalizer
	Detector   *ChangeDetector
	Archive    SnapshotArchiver
	Logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewIngestionService erstellt eine neue Instanz des IngestionService. archive darf nil sein.
func NewIngestionService(cfg *config.Config, sources SourceRepository, fetcher SnapshotFetcher, normalizer *Normalizer,
	detector *ChangeDetector, archive SnapshotArchiver, logger *zap.Logger) *IngestionService {
	return &IngestionService{
		Config:     cfg,
		Sources:    sources,
		Fetcher:    fetcher,
		Normalizer: normalizer,
		Detector:   detector,
		Archive:    archive,
		Logger:     logger,
		inflight:   make(map[string]bool),
	}
}

// RunAll führt die Pipeline für alle aktiven Quellen mit begrenzter Parallelität aus.
// Fehler einer Quelle brechen den Lauf nicht ab; nur das Laden der Registry kann fehlschlagen.
func (s *IngestionService) RunAll(ctx context.Context) (RunReport, error) {
	report := RunReport{StartedAt: time.Now().UTC()}

	sources, err := s.Sources.ListEnabled(ctx)
	if err != nil {
		s.Logger.Error("Fehler beim Laden der Quellen", zap.Error(err))
		return report, err
	}
	s.Logger.Info("Starte Ingestion-Lauf", zap.Int("sources", len(sources)))

	report.Sources = make([]SourceReport, len(sources))
	var g errgroup.Group
	g.SetLimit(s.Config.IngestConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			report.Sources[i] = s.RunSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	for _, sr := range report.Sources {
		report.Created += sr.Created
		report.Updated += sr.Updated
		report.Unchanged += sr.Unchanged
		if sr.Err != nil && !sr.Skipped {
			report.FailedSources++
		}
	}
	report.FinishedAt = time.Now().UTC()
	ingestRuns.Inc()
	s.Logger.Info("Ingestion-Lauf abgeschlossen",
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("failed_sources", report.FailedSources),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// RunSourceByID führt die Pipeline für eine einzelne Quelle aus.
func (s *IngestionService) RunSourceByID(ctx context.Context, id string) (SourceReport, error) {
	src, err := s.Sources.Get(ctx, id)
	if err != nil {
		return SourceReport{SourceID: id}, err
	}
	return s.RunSource(ctx, *src), nil
}

// RunSource führt Fetch, Archivierung, Normalisierung und Change Detection für eine Quelle aus.
// Läuft für dieselbe Quelle bereits ein Durchgang, wird übersprungen.
func (s *IngestionService) RunSource(ctx context.Context, src models.Source) SourceReport {
	report := SourceReport{SourceID: src.ID}
	log := s.Logger.With(zap.String("source", src.ID))

	if !s.acquire(src.ID) {
		log.Info("Quelle wird bereits verarbeitet, überspringe")
		report.Skipped = true
		report.fail(ErrSourceBusy)
		return report
	}
	defer s.release(src.ID)

	polledAt := time.Now().UTC()
	res, err := s.Fetcher.Fetch(ctx, src)
	if err != nil {
		kind := "transient"
		if IsPermanentFetchError(err) {
			kind = "permanent"
		}
		fetchFailures.WithLabelValues(kind).Inc()
		log.Warn("Abruf fehlgeschlagen", zap.String("kind", kind), zap.Error(err))
		report.fail(err)
		s.recordPoll(ctx, src.ID, models.PollResult{PolledAt: polledAt, Err: err}, log)
		return report
	}

	poll := models.PollResult{
		PolledAt:     polledAt,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		ContentHash:  res.ContentHash,
	}
	if res.NotModified || (src.LastContentHash != "" && res.ContentHash == src.LastContentHash) {
		log.Debug("Quelle unverändert", zap.Bool("http_304", res.NotModified))
		report.NotModified = true
		s.recordPoll(ctx, src.ID, poll, log)
		return report
	}

	if s.Archive != nil {
		if _, err := s.Archive.StoreSnapshot(ctx, src.ID, res.ContentHash, res.Body); err != nil {
			log.Warn("Archivierung des Snapshots fehlgeschlagen", zap.Error(err))
		}
	}

	drafts, err := s.Normalizer.Normalize(res.Body, src)
	if err != nil {
		parseFailures.Inc()
		log.Error("Snapshot konnte nicht geparst werden", zap.Error(err))
		report.fail(err)
		s.recordPoll(ctx, src.ID, models.PollResult{PolledAt: polledAt, Err: err}, log)
		return report
	}
	report.Drafts = len(drafts)

	var firstErr error
	for _, d := range drafts {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}
		outcome, _, err := s.Detector.Process(ctx, d)
		if err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = err
			}
			log.Error("Programm konnte nicht verarbeitet werden", zap.String("source_url", d.SourceURL), zap.Error(err))
			continue
		}
		switch outcome {
		case OutcomeNew:
			report.Created++
		case OutcomeUpdated:
			report.Updated++
		default:
			report.Unchanged++
		}
	}

	if firstErr != nil {
		// Validatoren nicht übernehmen, damit der nächste Poll den Snapshot erneut verarbeitet.
		err := fmt.Errorf("%d of %d records failed: %w", report.Failed, len(drafts), firstErr)
		report.fail(err)
		s.recordPoll(ctx, src.ID, models.PollResult{PolledAt: polledAt, Err: err}, log)
		return report
	}

	s.recordPoll(ctx, src.ID, poll, log)
	log.Info("Quelle verarbeitet",
		zap.Int("drafts", report.Drafts),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("unchanged", report.Unchanged))
	return report
}

func (r *SourceReport) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

func (s *IngestionService) recordPoll(ctx context.Context, id string, res models.PollResult, log *zap.Logger) {
	// Buchhaltung auch nach Abbruch des Laufs schreiben
	ctx = context.WithoutCancel(ctx)
	if err := s.Sources.RecordPoll(ctx, id, res); err != nil {
		log.Error("Poll-Buchhaltung konnte nicht gespeichert werden", zap.Error(err))
	}
}

func (s *IngestionService) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *IngestionService) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// IsSourceBusy meldet, ob ein Report wegen eines laufenden Durchgangs übersprungen wurde.
func IsSourceBusy(r SourceReport) bool {
	return r.Skipped && errors.Is(r.Err, ErrSourceBusy)
}
