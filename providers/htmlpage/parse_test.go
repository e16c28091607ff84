package htmlpage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scheme-hand/models"
	"scheme-hand/providers"
)

var src = models.Source{ID: "district", URL: "https://district.example.gov/schemes/", Kind: models.KindHTMLPage}

const listingPage = `<!doctype html>
<html><head><title>Schemes</title><script>track()</script></head>
<body>
  <nav><a href="/">Home</a></nav>
  <article class="card scheme" data-age-min="0" data-age-max="6" data-gender="all" data-level="district">
    <h2>Anganwadi Nutrition</h2>
    <p class="summary">Take-home rations for children under six.</p>
    <p>Apply at your nearest <strong>Anganwadi</strong> centre.</p>
    <a href="anganwadi">Details</a>
    <script>alert(1)</script>
  </article>
  <div data-scheme data-age="10-18" data-gender="Girls">
    <h3>Cycle Scheme</h3>
    <p>Free bicycles for schoolgirls.</p>
  </div>
</body></html>`

func TestParseListingPage(t *testing.T) {
	drafts, err := New().Parse([]byte(listingPage), src)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	aw := drafts[0]
	assert.Equal(t, "Anganwadi Nutrition", aw.Title)
	assert.Equal(t, "Take-home rations for children under six.", aw.Summary)
	assert.Equal(t, "https://district.example.gov/schemes/anganwadi", aw.SourceURL)
	assert.Equal(t, 0, *aw.AgeMin)
	assert.Equal(t, 6, *aw.AgeMax)
	assert.Equal(t, models.Gender("all"), aw.Gender)
	assert.Equal(t, "district", aw.GovernmentLevel)
	assert.Contains(t, aw.FullText, "**Anganwadi**")
	assert.NotContains(t, aw.FullText, "alert")

	cycle := drafts[1]
	assert.Equal(t, "Cycle Scheme", cycle.Title)
	assert.Equal(t, "Free bicycles for schoolgirls.", cycle.Summary)
	assert.Equal(t, "https://district.example.gov/schemes/#cycle-scheme", cycle.SourceURL)
	assert.Equal(t, 10, *cycle.AgeMin)
	assert.Equal(t, 18, *cycle.AgeMax)
	assert.Equal(t, models.Gender("Girls"), cycle.Gender)
}

func TestParseItemKeyFromDataID(t *testing.T) {
	page := func(title string) []byte {
		return []byte(`<html><body><div data-scheme data-id="cyc-7"><h3>` + title + `</h3></div></body></html>`)
	}
	before, err := New().Parse(page("Cycle Scheme"), src)
	require.NoError(t, err)
	after, err := New().Parse(page("Free Cycle Scheme 2026"), src)
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, "https://district.example.gov/schemes/#id-cyc-7", before[0].SourceURL)
	assert.Equal(t, before[0].SourceURL, after[0].SourceURL)
}

func TestParseCustomSelector(t *testing.T) {
	custom := src
	custom.Selector = "li.programme"
	page := `<ul><li class="programme"><h3>One</h3></li><li class="programme"><h3>Two</h3></li><li>Other</li></ul>`

	drafts, err := New().Parse([]byte(page), custom)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	assert.Equal(t, "One", drafts[0].Title)
	assert.Equal(t, "Two", drafts[1].Title)
}

func TestParseLayoutChangeIsError(t *testing.T) {
	_, err := New().Parse([]byte(`<html><body><p>Site under maintenance</p></body></html>`), src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrUnrecognized))
}

func TestParseSelector(t *testing.T) {
	s := parseSelector(`div.card[data-kind="x"]`)
	assert.Equal(t, "div", s.tag)
	assert.Equal(t, "card", s.class)
	assert.Equal(t, "data-kind", s.attrKey)
	assert.Equal(t, "x", s.attrVal)

	list := parseSelectorList("article.scheme, [data-scheme], ")
	assert.Len(t, list, 2)
}
