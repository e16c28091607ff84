package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrNotFound wird zurückgegeben, wenn ein Datensatz nicht existiert oder entfernt wurde.
var ErrNotFound = errors.New("not found")

// StoreConflictError signalisiert einen Schreibkonflikt (Serialisierung, Deadlock, Unique-Race).
// Der Aufrufer darf die gesamte Einzel-Transaktion wiederholen.
type StoreConflictError struct {
	ID  string
	Err error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("store conflict on %s: %v", e.ID, e.Err)
}

func (e *StoreConflictError) Unwrap() error { return e.Err }

// Postgres SQLSTATE-Codes, die auf einen wiederholbaren Konflikt hinweisen.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// classifyConflict wandelt wiederholbare Postgres-Fehler in einen *StoreConflictError um.
// Mit gorm.Config.TranslateError kommen Unique-Verletzungen als gorm.ErrDuplicatedKey an.
func classifyConflict(id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &StoreConflictError{ID: id, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return &StoreConflictError{ID: id, Err: err}
		}
	}
	return err
}
