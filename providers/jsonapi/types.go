// Package jsonapi parst Programm-Listen aus JSON-APIs von Behördenportalen.
package jsonapi

import (
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"scheme-hand/models"
)

// Document ist die Hülle einer JSON-Antwort. Portale nutzen unterschiedliche Schlüssel für die Liste.
type Document struct {
	Schemes *[]Item `json:"schemes"`
	Data    *[]Item `json:"data"`
	Items   *[]Item `json:"items"`
	Results *[]Item `json:"results"`
}

// list gibt die erste vorhandene Liste zurück.
func (d *Document) list() ([]Item, bool) {
	for _, l := range []*[]Item{d.Schemes, d.Data, d.Items, d.Results} {
		if l != nil {
			return *l, true
		}
	}
	return nil, false
}

// Item ist ein einzelnes Programm in der JSON-Antwort, inklusive der gängigen Feld-Aliase.
type Item struct {
	ID       FlexString `json:"id"`
	SchemeID FlexString `json:"scheme_id"`
	Slug     string     `json:"slug"`

	Title string `json:"title"`
	Name  string `json:"name"`

	Summary     string `json:"summary"`
	Description string `json:"description"`

	FullText      string `json:"full_text"`
	FullTextCamel string `json:"fullText"`
	Body          string `json:"body"`

	SourceURL      string `json:"source_url"`
	SourceURLCamel string `json:"sourceUrl"`
	URL            string `json:"url"`
	Link           string `json:"link"`

	AgeMin      FlexInt `json:"age_min"`
	AgeMinCamel FlexInt `json:"ageMin"`
	AgeMax      FlexInt `json:"age_max"`
	AgeMaxCamel FlexInt `json:"ageMax"`
	AgeRange    string  `json:"age_range"`

	Gender string `json:"gender"`

	GovernmentLevel      string `json:"government_level"`
	GovernmentLevelCamel string `json:"governmentLevel"`
	Level                string `json:"level"`
}

// FlexInt akzeptiert ganze Zahlen, Zahlen als String und null. Brüche und Werte außerhalb
// 0..MaxAge werden nicht abgeschnitten, sondern als Invalid markiert.
type FlexInt struct {
	Value   *int
	Invalid bool
}

// UnmarshalJSON implementiert json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(b []byte) error {
	f.Value, f.Invalid = nil, false
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			// Freitext wie "any" ist keine Grenze
			return nil
		}
		f.set(float64(v))
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	f.set(n)
	return nil
}

func (f *FlexInt) set(n float64) {
	if n != math.Trunc(n) || n < 0 || n > models.MaxAge {
		f.Invalid = true
		return
	}
	v := int(n)
	f.Value = &v
}

// FlexString akzeptiert Strings und Zahlen, etwa numerische IDs.
type FlexString struct {
	Value string
}

// UnmarshalJSON implementiert json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		f.Value = ""
		return nil
	case b[0] == '"':
		return json.Unmarshal(b, &f.Value)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		f.Value = n.String()
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...FlexInt) *int {
	for _, v := range values {
		if v.Value != nil {
			return v.Value
		}
	}
	return nil
}
