package rss

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"scheme-hand/models"
	"scheme-hand/providers"
)

// Parser implementiert das Parser-Interface für RSS- und Atom-Feeds.
type Parser struct{}

// New erstellt einen neuen Feed-Parser.
func New() *Parser {
	return &Parser{}
}

// Kind gibt das Parser-Tag zurück.
func (p *Parser) Kind() models.SourceKind {
	return models.KindRSS
}

// Parse erkennt das Format am Wurzelelement und erzeugt einen Draft pro Eintrag.
func (p *Parser) Parse(raw []byte, src models.Source) ([]models.SchemeDraft, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("rss: empty body: %w", providers.ErrUnrecognized)
	}

	switch detectFormat(trimmed) {
	case "rss":
		var doc Channel
		if err := xml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("rss: decode rss: %w", err)
		}
		drafts := make([]models.SchemeDraft, 0, len(doc.Channel.Items))
		for _, item := range doc.Channel.Items {
			d := baseDraft(src, item.Link, item.GUID, item.Title, item.Description, item.Content)
			applyCategories(&d, item.Categories)
			drafts = append(drafts, d)
		}
		return drafts, nil
	case "atom":
		var doc AtomFeed
		if err := xml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("rss: decode atom: %w", err)
		}
		drafts := make([]models.SchemeDraft, 0, len(doc.Entries))
		for _, entry := range doc.Entries {
			d := baseDraft(src, entryLink(entry.Links), entry.ID, entry.Title, entry.Summary, entry.Content)
			terms := make([]string, 0, len(entry.Categories))
			for _, c := range entry.Categories {
				terms = append(terms, c.Term)
			}
			applyCategories(&d, terms)
			drafts = append(drafts, d)
		}
		return drafts, nil
	default:
		return nil, fmt.Errorf("rss: expected <rss> or <feed> root: %w", providers.ErrUnrecognized)
	}
}

func detectFormat(data []byte) string {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch strings.ToLower(se.Name.Local) {
			case "rss":
				return "rss"
			case "feed":
				return "atom"
			default:
				return ""
			}
		}
	}
}

func baseDraft(src models.Source, link, key, title, summary, content string) models.SchemeDraft {
	title = strings.TrimSpace(title)
	return models.SchemeDraft{
		SourceID:  src.ID,
		SourceURL: providers.ItemURL(src.URL, link, key, title),
		Title:     title,
		Summary:   strings.TrimSpace(summary),
		FullText:  strings.TrimSpace(content),
	}
}

// entryLink bevorzugt rel="alternate" bzw. einen Link ohne rel.
func entryLink(links []AtomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(links) > 0 {
		return links[0].Href
	}
	return ""
}

// applyCategories liest strukturierte Kategorien wie "age:0-5", "gender:female" und "level:state".
func applyCategories(d *models.SchemeDraft, categories []string) {
	for _, c := range categories {
		key, value, ok := strings.Cut(strings.TrimSpace(c), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "age":
			d.AgeMin, d.AgeMax = providers.ParseAgeRange(value)
		case "gender":
			d.Gender = models.Gender(value)
		case "level":
			d.GovernmentLevel = value
		}
	}
}
