// Package htmlpage parst Programm-Listen aus HTML-Seiten von Behördenportalen.
package htmlpage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"scheme-hand/models"
	"scheme-hand/providers"
)

// DefaultSelector wird verwendet, wenn die Quelle keinen eigenen Selektor konfiguriert.
const DefaultSelector = "article.scheme, [data-scheme]"

// Parser implementiert das Parser-Interface für HTML-Listenseiten.
type Parser struct {
	policy      *bluemonday.Policy
	mdConverter *converter.Converter
}

// New erstellt einen neuen HTML-Parser.
func New() *Parser {
	return &Parser{
		policy: bluemonday.UGCPolicy(),
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Kind gibt das Parser-Tag zurück.
func (p *Parser) Kind() models.SourceKind {
	return models.KindHTMLPage
}

// Parse erzeugt einen Draft pro Element, das auf den Selektor der Quelle passt.
// Eine Seite ohne einen einzigen Treffer gilt als Strukturänderung und ist ein Fehler.
func (p *Parser) Parse(raw []byte, src models.Source) ([]models.SchemeDraft, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("htmlpage: empty body: %w", providers.ErrUnrecognized)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("htmlpage: parse html: %w", err)
	}

	selectorList := src.Selector
	if strings.TrimSpace(selectorList) == "" {
		selectorList = DefaultSelector
	}
	nodes := findAll(doc, parseSelectorList(selectorList))
	if len(nodes) == 0 {
		return nil, fmt.Errorf("htmlpage: no element matches %q: %w", selectorList, providers.ErrUnrecognized)
	}

	drafts := make([]models.SchemeDraft, 0, len(nodes))
	for _, n := range nodes {
		drafts = append(drafts, p.mapNodeToDraft(n, src))
	}
	return drafts, nil
}

// mapNodeToDraft liest Titel, Zusammenfassung, Link, data-Attribute und Volltext eines Elements.
func (p *Parser) mapNodeToDraft(n *html.Node, src models.Source) models.SchemeDraft {
	title := attr(n, "data-title")
	if h := findFirst(n, isHeading); h != nil {
		title = textContent(h)
	}

	var summary string
	if s := findFirst(n, func(c *html.Node) bool { return c.Type == html.ElementNode && hasClass(c, "summary") }); s != nil {
		summary = textContent(s)
	} else if para := findFirst(n, func(c *html.Node) bool { return c.Type == html.ElementNode && c.Data == "p" }); para != nil {
		summary = textContent(para)
	}

	link := attr(n, "data-url")
	if a := findFirst(n, func(c *html.Node) bool { return c.Type == html.ElementNode && c.Data == "a" && hasAttr(c, "href") }); a != nil && link == "" {
		link = attr(a, "href")
	}

	ageMin := providers.ParseAge(attr(n, "data-age-min"))
	ageMax := providers.ParseAge(attr(n, "data-age-max"))
	if ageMin == nil && ageMax == nil && hasAttr(n, "data-age") {
		ageMin, ageMax = providers.ParseAgeRange(attr(n, "data-age"))
	}

	return models.SchemeDraft{
		SourceID:        src.ID,
		SourceURL:       providers.ItemURL(src.URL, link, firstNonEmptyAttr(n, "data-id", "id"), title),
		Title:           title,
		Summary:         summary,
		FullText:        p.fullText(n, src.URL),
		AgeMin:          ageMin,
		AgeMax:          ageMax,
		Gender:          models.Gender(attr(n, "data-gender")),
		GovernmentLevel: attr(n, "data-level"),
	}
}

// fullText bereinigt das innere HTML und wandelt es in Markdown um.
func (p *Parser) fullText(n *html.Node, pageURL string) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return ""
		}
	}
	clean := p.policy.Sanitize(buf.String())
	if strings.TrimSpace(clean) == "" {
		return ""
	}
	md, err := p.mdConverter.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return strings.TrimSpace(textContent(n))
	}
	return strings.TrimSpace(md)
}

func isHeading(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "h1", "h2", "h3":
		return true
	}
	return false
}
