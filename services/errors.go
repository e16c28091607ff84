package services

import (
	"errors"
	"fmt"

	"scheme-hand/models"
)

// FetchError beschreibt einen fehlgeschlagenen Abruf einer Quelle.
// Permanent ist true für Fehler, bei denen ein erneuter Versuch nichts ändert (4xx außer 429).
type FetchError struct {
	SourceURL  string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.SourceURL, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.SourceURL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError beschreibt einen Snapshot, dessen Struktur nicht erkannt wurde. Wird nie wiederholt.
type ParseError struct {
	SourceURL string
	Kind      models.SourceKind
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.SourceURL, e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotifyError beschreibt eine fehlgeschlagene Benachrichtigung. Wird nur geloggt.
type NotifyError struct {
	Event models.ChangeEvent
	Err   error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify %s %s: %v", e.Event.Type, e.Event.SchemeID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// ErrSourceBusy wird zurückgegeben, wenn für eine Quelle bereits ein Lauf aktiv ist.
var ErrSourceBusy = errors.New("source ingestion already running")

// IsPermanentFetchError meldet, ob err ein nicht wiederholbarer Abruffehler ist.
func IsPermanentFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Permanent
}
