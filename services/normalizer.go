package services

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"scheme-hand/models"
	"scheme-hand/providers"
	"scheme-hand/providers/htmlpage"
	"scheme-hand/providers/jsonapi"
	"scheme-hand/providers/rss"
)

// Normalizer wandelt rohe Snapshots über den passenden Parser in kanonische Drafts um.
type Normalizer struct {
	Registry providers.Registry
	Logger   *zap.Logger

	strict      *bluemonday.Policy
	ugc         *bluemonday.Policy
	mdConverter *converter.Converter
	validate    *validator.Validate
}

// NewNormalizer erstellt einen Normalizer mit allen eingebauten Parsern.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return NewNormalizerWithRegistry(providers.NewRegistry(jsonapi.New(), htmlpage.New(), rss.New()), logger)
}

// NewNormalizerWithRegistry erstellt einen Normalizer mit einer eigenen Parser-Registry.
func NewNormalizerWithRegistry(registry providers.Registry, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		Registry: registry,
		Logger:   logger,
		strict:   bluemonday.StrictPolicy(),
		ugc:      bluemonday.UGCPolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(base.NewBasePlugin(), commonmark.NewCommonmarkPlugin()),
		),
		validate: validator.New(),
	}
}

// Normalize parst einen Snapshot und kanonisiert jeden Draft. Einzelne ungültige Drafts werden
// mit Warnung verworfen; ein nicht erkannter Snapshot ergibt einen *ParseError.
func (n *Normalizer) Normalize(raw []byte, src models.Source) ([]models.SchemeDraft, error) {
	log := n.Logger.With(zap.String("source", src.ID), zap.String("kind", string(src.Kind)))

	parser, ok := n.Registry.Lookup(src.Kind)
	if !ok {
		return nil, &ParseError{SourceURL: src.URL, Kind: src.Kind, Err: fmt.Errorf("no parser registered for kind %q", src.Kind)}
	}
	drafts, err := parser.Parse(raw, src)
	if err != nil {
		return nil, &ParseError{SourceURL: src.URL, Kind: src.Kind, Err: err}
	}

	out := make([]models.SchemeDraft, 0, len(drafts))
	seen := make(map[string]bool, len(drafts))
	for _, d := range drafts {
		c, err := n.canonicalize(d, log)
		if err != nil {
			log.Warn("Draft verworfen", zap.String("title", d.Title), zap.String("source_url", d.SourceURL), zap.Error(err))
			continue
		}
		if seen[c.SourceURL] {
			log.Warn("Doppelte Quell-URL im Snapshot, nur der erste Eintrag zählt", zap.String("source_url", c.SourceURL))
			continue
		}
		seen[c.SourceURL] = true
		out = append(out, c)
	}
	return out, nil
}

// canonicalize bringt alle Felder in die kanonische Form, die in den Fingerprint eingeht.
func (n *Normalizer) canonicalize(d models.SchemeDraft, log *zap.Logger) (models.SchemeDraft, error) {
	if d.Rejected != "" {
		return d, errors.New(d.Rejected)
	}
	canonicalURL, err := CanonicalURL(d.SourceURL)
	if err != nil {
		return d, err
	}
	d.SourceURL = canonicalURL
	d.Title = n.plainText(d.Title)
	d.Summary = n.plainText(d.Summary)
	d.FullText = n.richText(d.FullText)
	d.GovernmentLevel = strings.ToLower(n.plainText(d.GovernmentLevel))

	gender, ok := models.ParseGender(string(d.Gender))
	if !ok {
		log.Warn("Unbekannte Geschlechtsangabe, verwende 'all'", zap.String("gender", string(d.Gender)), zap.String("source_url", d.SourceURL))
	}
	d.Gender = gender

	if d.AgeMin != nil && *d.AgeMin < 0 || d.AgeMax != nil && *d.AgeMax < 0 {
		return d, errors.New("negative age bound")
	}
	if d.AgeMin != nil && *d.AgeMin > models.MaxAge || d.AgeMax != nil && *d.AgeMax > models.MaxAge {
		return d, fmt.Errorf("age bound above %d", models.MaxAge)
	}
	if d.AgeMin != nil && d.AgeMax != nil && *d.AgeMin > *d.AgeMax {
		return d, fmt.Errorf("age_min %d greater than age_max %d", *d.AgeMin, *d.AgeMax)
	}
	if err := n.validate.Struct(d); err != nil {
		return d, err
	}
	return d, nil
}

// plainText entfernt HTML, normalisiert Unicode und fasst Whitespace auf eine Zeile zusammen.
func (n *Normalizer) plainText(s string) string {
	if s == "" {
		return ""
	}
	if htmlTagRE.MatchString(s) {
		s = n.strict.Sanitize(s)
	}
	s = html.UnescapeString(s)
	s = normalizeUnicodeAndLigatures(s)
	return strings.Join(strings.Fields(s), " ")
}

// richText behält Absätze. HTML-Inhalte (z.B. content:encoded) werden zu Markdown.
func (n *Normalizer) richText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	if htmlTagRE.MatchString(s) {
		clean := n.ugc.Sanitize(s)
		if md, err := n.mdConverter.ConvertString(clean); err == nil {
			s = md
		} else {
			s = html.UnescapeString(n.strict.Sanitize(s))
		}
	}
	s = normalizeUnicodeAndLigatures(s)
	return collapseWhitespace(s)
}

var htmlTagRE = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^>]*)?/?>`)

// CanonicalURL normalisiert Schema und Host auf Kleinschreibung und entfernt Standard-Ports.
// Nur absolute http(s)-URLs sind gültig.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid source url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("source url %q is not an absolute http(s) url", raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	} else {
		u.Host = host + ":" + port
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// normalizeUnicodeAndLigatures führt NFC-Normalisierung durch und ersetzt gängige Ligaturen
func normalizeUnicodeAndLigatures(s string) string {
	replacer := strings.NewReplacer(
		"ﬁ", "fi",
		"ﬂ", "fl",
		"ﬀ", "ff",
		"ﬃ", "ffi",
		"ﬄ", "ffl",
		"ﬆ", "st",
		"\u200b", "",
		"\ufeff", "",
	)
	s = replacer.Replace(s)
	normalized, _, _ := transform.String(norm.NFC, s)
	return normalized
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = inlineSpaceRE.ReplaceAllString(s, " ")
	s = multiSpaceRE.ReplaceAllString(s, " ")
	s = multiNewlineRE.ReplaceAllString(s, "\n\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRightFunc(lines[i], unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	// normaler String-Literal, damit \u00A0 als NBSP bei der Regex ankommt
	inlineSpaceRE  = regexp.MustCompile("[\t\f\v\u00A0]+")
	multiSpaceRE   = regexp.MustCompile(` {2,}`)
	multiNewlineRE = regexp.MustCompile(`\n{3,}`)
)
