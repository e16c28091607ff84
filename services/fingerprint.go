package services

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"scheme-hand/models"
)

// schemeNamespace ist der UUID-Namensraum für Programm-IDs. Darf sich nie ändern,
// sonst bekommen alle bestehenden Programme neue IDs.
var schemeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://scheme-hand.app/schemes"))

const fingerprintDomain = "scheme-hand/fingerprint/v1"

// SchemeID leitet die stabile ID eines Programms aus seiner kanonischen Quell-URL ab.
func SchemeID(canonicalSourceURL string) string {
	return uuid.NewSHA1(schemeNamespace, []byte(canonicalSourceURL)).String()
}

// fingerprintFields legt Reihenfolge und Umfang der Felder fest, die in den Fingerprint eingehen.
type fingerprintFields struct {
	SourceURL       string        `json:"source_url"`
	Title           string        `json:"title"`
	Summary         string        `json:"summary"`
	FullText        string        `json:"full_text"`
	AgeMin          *int          `json:"age_min"`
	AgeMax          *int          `json:"age_max"`
	Gender          models.Gender `json:"gender"`
	GovernmentLevel string        `json:"government_level"`
}

// Fingerprint berechnet SHA-256 über die kanonischen Felder eines Drafts, mit Domain-Separation.
// Gleicher Inhalt ergibt immer denselben Fingerprint, unabhängig von Prozess oder Lauf.
func Fingerprint(d models.SchemeDraft) string {
	payload, err := json.Marshal(fingerprintFields{
		SourceURL:       d.SourceURL,
		Title:           d.Title,
		Summary:         d.Summary,
		FullText:        d.FullText,
		AgeMin:          d.AgeMin,
		AgeMax:          d.AgeMax,
		Gender:          d.Gender,
		GovernmentLevel: d.GovernmentLevel,
	})
	if err != nil {
		// Strings, Ints und Pointer darauf lassen sich immer serialisieren.
		panic("fingerprint: " + err.Error())
	}
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
