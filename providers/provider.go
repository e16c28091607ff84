package providers

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"scheme-hand/models"
)

// ErrUnrecognized wird zurückgegeben, wenn ein Dokument nicht die erwartete Struktur hat.
var ErrUnrecognized = errors.New("unrecognized document structure")

// Parser ist das Interface, das jeder Quelltyp-Parser (z.B. jsonapi, htmlpage, rss) implementieren muss.
// Parse ist rein: keine Netzwerkzugriffe, keine Store-Zugriffe.
type Parser interface {
	// Parse wandelt einen rohen Snapshot in Roh-Drafts um. Null Drafts sind ein gültiges Ergebnis.
	Parse(raw []byte, src models.Source) ([]models.SchemeDraft, error)

	// Kind gibt das Parser-Tag zurück, unter dem der Parser registriert wird.
	Kind() models.SourceKind
}

// Registry ordnet Parser-Tags ihren Parsern zu.
type Registry map[models.SourceKind]Parser

// NewRegistry erstellt eine Registry aus den übergebenen Parsern.
func NewRegistry(parsers ...Parser) Registry {
	r := make(Registry, len(parsers))
	for _, p := range parsers {
		r[p.Kind()] = p
	}
	return r
}

// Lookup sucht den Parser für ein Parser-Tag.
func (r Registry) Lookup(kind models.SourceKind) (Parser, bool) {
	p, ok := r[kind]
	return p, ok
}

var ageRangePattern = regexp.MustCompile(`^\s*(\d{1,3})?\s*(?:-|–|to|bis)?\s*(\d{1,3})?\s*$`)

// ParseAge liest eine einzelne Altersgrenze. Leere oder ungültige Werte ergeben nil.
func ParseAge(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// ParseAgeRange liest Angaben wie "0-5", "6 to 14", "10-" oder "-18".
func ParseAgeRange(s string) (lo, hi *int) {
	m := ageRangePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, nil
	}
	lo = ParseAge(m[1])
	hi = ParseAge(m[2])
	// "12" allein bedeutet genau dieses Alter
	if lo != nil && hi == nil && !strings.ContainsAny(s, "-–") && !strings.Contains(s, "to") && !strings.Contains(s, "bis") {
		v := *lo
		hi = &v
	}
	return lo, hi
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slug erzeugt aus einem Titel einen URL-Fragment-tauglichen Bezeichner.
func Slug(s string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// ResolveURL löst ref relativ zu base auf. Schlägt das fehl, wird ref unverändert zurückgegeben.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// ItemURL liefert die Einzel-URL eines Eintrags. Ohne eigenen Link wird die Seiten-URL mit
// einem Fragment verwendet: bevorzugt aus dem stabilen Schlüssel des Eintrags (id, guid, slug),
// nur ohne Schlüssel aus dem Titel. Ein Titel-Fragment ändert sich mit dem Titel.
func ItemURL(pageURL, link, key, title string) string {
	if u := ResolveURL(pageURL, link); u != "" {
		return u
	}
	key = strings.TrimSpace(key)
	if isAbsoluteHTTP(key) {
		return key
	}
	base := pageURL
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base = base[:i]
	}
	if k := Slug(key); k != "" {
		return base + "#id-" + k
	}
	slug := Slug(title)
	if slug == "" {
		return base
	}
	return base + "#" + slug
}

func isAbsoluteHTTP(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
