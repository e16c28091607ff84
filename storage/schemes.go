package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scheme-hand/models"
)

// revisionCounter ist die einzige Quelle für Store-Revisionen.
type revisionCounter struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value int64  `gorm:"not null;default:0"`
}

func (revisionCounter) TableName() string {
	return "revision_counters"
}

const schemesCounter = "schemes"

// ApplyFunc entscheidet anhand des bestehenden Datensatzes (nil = neu), was geschrieben wird.
// Gibt sie nil zurück, wird nichts geschrieben.
type ApplyFunc func(existing *models.Scheme) (*models.Scheme, error)

// Delta ist eine Seite des Änderungs-Feeds.
type Delta struct {
	Schemes []models.Scheme
	Cursor  int64
	HasMore bool
}

// SchemeStore ist der kanonische Store für Programme.
type SchemeStore struct {
	DB *gorm.DB
}

// NewSchemeStore erstellt einen neuen SchemeStore.
func NewSchemeStore(db *gorm.DB) *SchemeStore {
	return &SchemeStore{DB: db}
}

// Migrate legt Tabellen an und initialisiert den Revisionszähler.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Scheme{}, &models.Source{}, &revisionCounter{}); err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&revisionCounter{Name: schemesCounter}).Error
}

// Apply führt eine Einzel-Transaktion für einen Datensatz aus: Zeile sperren, fn entscheiden lassen,
// neue Revision vergeben und schreiben. Der Zähler wird erst beim Schreiben gesperrt und hält die
// Sperre bis zum Commit, daher werden Revisionen in aufsteigender Reihenfolge sichtbar.
func (s *SchemeStore) Apply(ctx context.Context, id string, fn ApplyFunc) (*models.Scheme, error) {
	var written *models.Scheme
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Scheme
		var current *models.Scheme
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&existing).Error
		switch {
		case err == nil:
			current = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}

		rev, err := nextRevision(tx)
		if err != nil {
			return err
		}
		next.ID = id
		next.Revision = rev

		// Ein neuer Datensatz wird ohne ON CONFLICT angelegt: hat ein paralleler Writer dieselbe ID
		// bereits eingefügt, endet das in einer Unique-Verletzung und damit in einem StoreConflictError.
		write := tx.Create
		if current != nil {
			write = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				UpdateAll: true,
			}).Create
		}
		if err := write(next).Error; err != nil {
			return err
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, classifyConflict(id, err)
	}
	return written, nil
}

// Upsert schreibt sc unbedingt mit neuer Revision. FirstSeenAt eines bestehenden Datensatzes bleibt erhalten.
func (s *SchemeStore) Upsert(ctx context.Context, sc *models.Scheme) (*models.Scheme, error) {
	return s.Apply(ctx, sc.ID, func(existing *models.Scheme) (*models.Scheme, error) {
		next := *sc
		if existing != nil && !existing.FirstSeenAt.IsZero() {
			next.FirstSeenAt = existing.FirstSeenAt
		}
		return &next, nil
	})
}

// nextRevision erhöht den Zähler innerhalb der laufenden Transaktion.
func nextRevision(tx *gorm.DB) (int64, error) {
	res := tx.Model(&revisionCounter{}).
		Where("name = ?", schemesCounter).
		Update("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("revision counter %q missing, run migrations", schemesCounter)
	}
	var c revisionCounter
	if err := tx.Where("name = ?", schemesCounter).Take(&c).Error; err != nil {
		return 0, err
	}
	return c.Value, nil
}

// Get liefert ein aktives Programm. Entfernte Programme ergeben ErrNotFound.
func (s *SchemeStore) Get(ctx context.Context, id string) (*models.Scheme, error) {
	var sc models.Scheme
	err := s.DB.WithContext(ctx).Where("id = ? AND removed_at IS NULL", id).Take(&sc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// ListSince liefert alle Änderungen mit Revision > cursor, aufsteigend sortiert.
// Entfernte Programme sind enthalten, damit Geräte ihre Favoriten abgleichen können.
func (s *SchemeStore) ListSince(ctx context.Context, cursor int64, limit int) (Delta, error) {
	if limit < 1 {
		limit = 1
	}
	var rows []models.Scheme
	err := s.DB.WithContext(ctx).
		Where("revision > ?", cursor).
		Order("revision ASC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return Delta{}, err
	}

	d := Delta{Cursor: cursor}
	if len(rows) > limit {
		d.HasMore = true
		rows = rows[:limit]
	}
	d.Schemes = rows
	if len(rows) > 0 {
		d.Cursor = rows[len(rows)-1].Revision
	}
	return d, nil
}

// Tombstone markiert ein Programm als entfernt und vergibt eine neue Revision.
func (s *SchemeStore) Tombstone(ctx context.Context, id string) (*models.Scheme, error) {
	var notFound bool
	sc, err := s.Apply(ctx, id, func(existing *models.Scheme) (*models.Scheme, error) {
		if existing == nil || existing.Removed() {
			notFound = true
			return nil, nil
		}
		now := time.Now().UTC()
		next := *existing
		next.RemovedAt = &now
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, ErrNotFound
	}
	return sc, nil
}

// Count liefert die Anzahl aktiver Programme.
func (s *SchemeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.Scheme{}).Where("removed_at IS NULL").Count(&n).Error
	return n, err
}
