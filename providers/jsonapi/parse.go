package jsonapi

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"scheme-hand/models"
	"scheme-hand/providers"
)

// Parser implementiert das Parser-Interface für JSON-APIs.
type Parser struct{}

// New erstellt einen neuen JSON-Parser.
func New() *Parser {
	return &Parser{}
}

// Kind gibt das Parser-Tag zurück.
func (p *Parser) Kind() models.SourceKind {
	return models.KindJSONAPI
}

// Parse liest entweder ein Objekt mit einer Programmliste oder ein nacktes Array.
func (p *Parser) Parse(raw []byte, src models.Source) ([]models.SchemeDraft, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonapi: empty body: %w", providers.ErrUnrecognized)
	}

	var items []Item
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("jsonapi: decode array: %w", err)
		}
	case '{':
		var doc Document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("jsonapi: decode object: %w", err)
		}
		list, ok := doc.list()
		if !ok {
			return nil, fmt.Errorf("jsonapi: no schemes/data/items/results list: %w", providers.ErrUnrecognized)
		}
		items = list
	default:
		return nil, fmt.Errorf("jsonapi: not a json document: %w", providers.ErrUnrecognized)
	}

	drafts := make([]models.SchemeDraft, 0, len(items))
	for _, it := range items {
		drafts = append(drafts, mapItemToDraft(&it, src))
	}
	return drafts, nil
}

// mapItemToDraft konvertiert ein Item in einen Roh-Draft.
func mapItemToDraft(it *Item, src models.Source) models.SchemeDraft {
	title := firstNonEmpty(it.Title, it.Name)
	link := firstNonEmpty(it.SourceURL, it.SourceURLCamel, it.URL, it.Link)
	key := firstNonEmpty(it.ID.Value, it.SchemeID.Value, it.Slug)

	ageMin := firstInt(it.AgeMin, it.AgeMinCamel)
	ageMax := firstInt(it.AgeMax, it.AgeMaxCamel)
	if ageMin == nil && ageMax == nil && it.AgeRange != "" {
		ageMin, ageMax = providers.ParseAgeRange(it.AgeRange)
	}

	d := models.SchemeDraft{
		SourceID:        src.ID,
		SourceURL:       providers.ItemURL(src.URL, link, key, title),
		Title:           title,
		Summary:         firstNonEmpty(it.Summary, it.Description),
		FullText:        firstNonEmpty(it.FullText, it.FullTextCamel, it.Body),
		AgeMin:          ageMin,
		AgeMax:          ageMax,
		Gender:          models.Gender(it.Gender),
		GovernmentLevel: firstNonEmpty(it.GovernmentLevel, it.GovernmentLevelCamel, it.Level),
	}
	for _, a := range []FlexInt{it.AgeMin, it.AgeMinCamel, it.AgeMax, it.AgeMaxCamel} {
		if a.Invalid {
			d.Rejected = fmt.Sprintf("age bound is not a whole number within 0..%d", models.MaxAge)
		}
	}
	return d
}
