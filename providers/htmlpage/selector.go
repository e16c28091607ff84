package htmlpage

import (
	"strings"

	"golang.org/x/net/html"
)

// selector ist ein einfacher CSS-Selektor: tag, .class, #id, [attr], [attr=val] und Kombinationen.
type selector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

// parseSelectorList zerlegt "article.scheme, [data-scheme]" in einzelne Selektoren.
func parseSelectorList(s string) []selector {
	var out []selector
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, parseSelector(part))
	}
	return out
}

func parseSelector(sel string) selector {
	var s selector
	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if k, v, ok := strings.Cut(attrPart, "="); ok {
			s.attrKey = k
			s.attrVal = strings.Trim(v, `"'`)
		} else {
			s.attrKey = attrPart
		}
	}
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = strings.ToLower(sel)
	return s
}

func (s selector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(n, s.class) {
		return false
	}
	if s.attrKey != "" {
		if !hasAttr(n, s.attrKey) {
			return false
		}
		if s.attrVal != "" && attr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

// findAll sammelt alle Treffer in Dokumentreihenfolge. Verschachtelte Treffer werden
// nicht doppelt gezählt: unterhalb eines Treffers wird nicht weitergesucht.
func findAll(root *html.Node, sels []selector) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for _, s := range sels {
			if s.matches(n) {
				results = append(results, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

// findFirst liefert den ersten Nachfahren, für den match zutrifft.
func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			return c
		}
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstNonEmptyAttr(n *html.Node, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(attr(n, k)); v != "" {
			return v
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textContent sammelt den sichtbaren Text eines Knotens.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
