package models

import (
	"strings"
	"time"
)

// Gender ist die Zielgruppe eines Förderprogramms.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderAll    Gender = "all"
)

// ParseGender normalisiert eine Geschlechtsangabe. Leere Eingaben gelten als "all".
func ParseGender(s string) (Gender, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "any", "both":
		return GenderAll, true
	case "male", "m", "boy", "boys":
		return GenderMale, true
	case "female", "f", "girl", "girls":
		return GenderFemale, true
	default:
		return GenderAll, false
	}
}

// Matches prüft, ob ein Programm mit diesem Geschlecht für die angefragte Zielgruppe gilt.
// "all" auf Programmseite passt zu jeder Anfrage; eine leere Anfrage filtert nicht.
func (g Gender) Matches(query Gender) bool {
	if query == "" || g == "" || g == GenderAll {
		return true
	}
	return g == query
}

// Scheme ist der kanonische Datensatz eines Förderprogramms.
type Scheme struct {
	ID       string `json:"id" gorm:"primaryKey;size:36"`
	SourceID string `json:"source_id,omitempty" gorm:"index;size:64"`

	// SourceURL ist nach der ersten Erkennung unveränderlich; die ID wird daraus abgeleitet.
	SourceURL string `json:"source_url" gorm:"uniqueIndex;not null"`

	Title           string `json:"title" gorm:"not null"`
	Summary         string `json:"summary" gorm:"type:text"`
	FullText        string `json:"full_text,omitempty" gorm:"type:text"`
	AgeMin          *int   `json:"age_min,omitempty"`
	AgeMax          *int   `json:"age_max,omitempty"`
	Gender          Gender `json:"gender" gorm:"size:8;not null;default:all"`
	GovernmentLevel string `json:"government_level,omitempty" gorm:"size:32"`

	Fingerprint string `json:"fingerprint" gorm:"size:64;not null"`
	Revision    int64  `json:"revision" gorm:"uniqueIndex;not null"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	// LastUpdated ändert sich nur bei einem neuen Fingerprint, nicht bei jedem Poll.
	LastUpdated time.Time  `json:"last_updated"`
	RemovedAt   *time.Time `json:"removed_at,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Scheme) TableName() string {
	return "schemes"
}

// Removed meldet, ob der Datensatz administrativ entfernt wurde (Tombstone).
func (s *Scheme) Removed() bool {
	return s.RemovedAt != nil
}

// MatchesAge prüft die inklusiven Altersgrenzen; fehlende Grenzen sind offen.
func (s *Scheme) MatchesAge(age int) bool {
	if s.AgeMin != nil && age < *s.AgeMin {
		return false
	}
	if s.AgeMax != nil && age > *s.AgeMax {
		return false
	}
	return true
}

// SchemeDraft ist die Ausgabe des Normalizers: kanonische Felder ohne ID und Fingerprint.
type SchemeDraft struct {
	SourceID        string `json:"source_id,omitempty"`
	SourceURL       string `json:"source_url" validate:"required"`
	Title           string `json:"title" validate:"required"`
	Summary         string `json:"summary"`
	FullText        string `json:"full_text,omitempty"`
	AgeMin          *int   `json:"age_min,omitempty" validate:"omitempty,gte=0,lte=120"`
	AgeMax          *int   `json:"age_max,omitempty" validate:"omitempty,gte=0,lte=120"`
	Gender          Gender `json:"gender" validate:"omitempty,oneof=male female all"`
	GovernmentLevel string `json:"government_level,omitempty"`

	// Rejected trägt den Grund, wenn der Parser den Eintrag als ungültig erkannt hat.
	Rejected string `json:"-"`
}

// MaxAge ist die höchste plausible Altersgrenze eines Programms.
const MaxAge = 120

// IntPtr gibt einen Pointer auf einen int zurück.
func IntPtr(v int) *int {
	return &v
}
