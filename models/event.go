package models

// ChangeType ist der Typ einer Änderungsbenachrichtigung auf dem Push-Kanal.
type ChangeType string

const (
	// EventSchemeCreated wird für neu erkannte Programme gesendet.
	EventSchemeCreated ChangeType = "new_scheme"
	// EventSchemeUpdated wird gesendet, wenn sich der Fingerprint geändert hat.
	EventSchemeUpdated ChangeType = "scheme_updated"
)

// ChangeEvent ist die minimale Push-Payload. Sie trägt nur die ID, nie den Inhalt.
type ChangeEvent struct {
	Type     ChangeType `json:"type"`
	SchemeID string     `json:"scheme_id"`

	// Fingerprint wird nicht übertragen, dient nur der Message-ID für Deduplizierung.
	Fingerprint string `json:"-"`
}

// Valid prüft Typ und ID einer empfangenen Payload.
func (e ChangeEvent) Valid() bool {
	if e.SchemeID == "" {
		return false
	}
	return e.Type == EventSchemeCreated || e.Type == EventSchemeUpdated
}
