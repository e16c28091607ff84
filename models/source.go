package models

import "time"

// SourceKind ist das Parser-Tag einer Quelle; der Normalizer verzweigt darüber.
type SourceKind string

const (
	KindJSONAPI  SourceKind = "jsonapi"
	KindHTMLPage SourceKind = "htmlpage"
	KindRSS      SourceKind = "rss"
)

// Source ist ein Eintrag der Source Registry, also ein externer Endpunkt, der gepollt wird.
type Source struct {
	ID       string            `json:"id" yaml:"id" gorm:"primaryKey;size:64" validate:"required,max=64,excludesall= /"`
	Name     string            `json:"name" yaml:"name"`
	URL      string            `json:"url" yaml:"url" gorm:"not null" validate:"required,url"`
	Kind     SourceKind        `json:"kind" yaml:"kind" gorm:"size:16;not null" validate:"required"`
	Render   bool              `json:"render,omitempty" yaml:"render"`
	Selector string            `json:"selector,omitempty" yaml:"selector"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers" gorm:"serializer:json"`
	Disabled bool              `json:"disabled" yaml:"disabled"`

	// Poll-Buchhaltung, wird nur vom Ingestion-Lauf geschrieben.
	ETag            string     `json:"-" yaml:"-" gorm:"column:etag"`
	LastModified    string     `json:"-" yaml:"-"`
	LastContentHash string     `json:"last_content_hash,omitempty" yaml:"-"`
	LastPolledAt    *time.Time `json:"last_polled_at,omitempty" yaml:"-"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty" yaml:"-"`
	LastError       string     `json:"last_error,omitempty" yaml:"-" gorm:"type:text"`
	FailCount       int        `json:"fail_count" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Source) TableName() string {
	return "sources"
}

// PollResult fasst das Ergebnis eines Polls für die Buchhaltung der Quelle zusammen.
type PollResult struct {
	PolledAt     time.Time
	ETag         string
	LastModified string
	ContentHash  string
	Err          error
}
