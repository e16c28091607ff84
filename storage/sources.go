package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scheme-hand/models"
)

// SourceStore verwaltet die Source Registry und die Poll-Buchhaltung.
type SourceStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewSourceStore erstellt einen neuen SourceStore.
func NewSourceStore(db *gorm.DB, logger *zap.Logger) *SourceStore {
	return &SourceStore{DB: db, Logger: logger}
}

// Seed übernimmt die Registry-Datei in die Datenbank. Neue Quellen werden angelegt, bei
// bestehenden werden nur die Konfigurationsfelder aktualisiert, nie die Poll-Buchhaltung.
func (s *SourceStore) Seed(ctx context.Context, sources []models.Source) error {
	for i := range sources {
		src := sources[i]
		err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "url", "kind", "render", "selector", "headers", "disabled", "updated_at"}),
		}).Create(&src).Error
		if err != nil {
			s.Logger.Error("Fehler beim Seeden der Quelle", zap.String("source", src.ID), zap.Error(err))
			return err
		}
	}
	s.Logger.Info("Source Registry übernommen", zap.Int("count", len(sources)))
	return nil
}

// ListEnabled liefert alle aktiven Quellen.
func (s *SourceStore) ListEnabled(ctx context.Context) ([]models.Source, error) {
	var sources []models.Source
	err := s.DB.WithContext(ctx).Where("disabled = ?", false).Order("id").Find(&sources).Error
	return sources, err
}

// List liefert alle Quellen.
func (s *SourceStore) List(ctx context.Context) ([]models.Source, error) {
	var sources []models.Source
	err := s.DB.WithContext(ctx).Order("id").Find(&sources).Error
	return sources, err
}

// Get liefert eine Quelle anhand ihrer ID.
func (s *SourceStore) Get(ctx context.Context, id string) (*models.Source, error) {
	var src models.Source
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// FindByURL sucht eine Quelle anhand ihrer URL.
func (s *SourceStore) FindByURL(ctx context.Context, url string) (*models.Source, error) {
	var src models.Source
	err := s.DB.WithContext(ctx).Where("url = ?", url).Take(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// Create legt eine neue Quelle an. Existiert die ID bereits, wird ein *StoreConflictError zurückgegeben.
func (s *SourceStore) Create(ctx context.Context, src *models.Source) error {
	if _, err := s.Get(ctx, src.ID); err == nil {
		return &StoreConflictError{ID: src.ID, Err: errors.New("source already exists")}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return classifyConflict(src.ID, s.DB.WithContext(ctx).Create(src).Error)
}

// RecordPoll schreibt die Buchhaltung eines Polls. Validatoren und Hash werden nur bei Erfolg übernommen.
func (s *SourceStore) RecordPoll(ctx context.Context, id string, res models.PollResult) error {
	updates := map[string]any{
		"last_polled_at": res.PolledAt,
	}
	if res.Err != nil {
		updates["last_error"] = res.Err.Error()
		updates["fail_count"] = gorm.Expr("fail_count + 1")
	} else {
		updates["last_error"] = ""
		updates["fail_count"] = 0
		updates["last_success_at"] = res.PolledAt
		updates["etag"] = res.ETag
		updates["last_modified"] = res.LastModified
		if res.ContentHash != "" {
			updates["last_content_hash"] = res.ContentHash
		}
	}
	return s.DB.WithContext(ctx).Model(&models.Source{}).Where("id = ?", id).Updates(updates).Error
}
