// Package rss parst Programm-Ankündigungen aus RSS-2.0- und Atom-1.0-Feeds.
package rss

import "encoding/xml"

// Channel repräsentiert den <channel> eines RSS-2.0-Dokuments.
type Channel struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string `xml:"title"`
		Link  string `xml:"link"`
		Items []Item `xml:"item"`
	} `xml:"channel"`
}

// Item repräsentiert einen einzelnen RSS-Eintrag.
type Item struct {
	GUID        string   `xml:"guid"`
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Content     string   `xml:"encoded"` // content:encoded
	Categories  []string `xml:"category"`
}

// AtomFeed repräsentiert ein Atom-1.0-Dokument.
type AtomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []AtomEntry `xml:"entry"`
}

// AtomEntry repräsentiert einen Atom-Eintrag.
type AtomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Links      []AtomLink     `xml:"link"`
	Summary    string         `xml:"summary"`
	Content    string         `xml:"content"`
	Categories []AtomCategory `xml:"category"`
}

// AtomLink repräsentiert einen <link>-Eintrag in Atom.
type AtomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// AtomCategory trägt den Wert im term-Attribut.
type AtomCategory struct {
	Term string `xml:"term,attr"`
}
