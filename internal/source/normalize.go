package source

import (
	"html"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"aibot/internal/fingerprint"
	"aibot/internal/model"
)

const noTitle = "(no title)"

// Raw is what a fetcher extracted for one entry before normalization.
type Raw struct {
	Title string
	Link  string
	// GUID identifies the entry when it has no link.
	GUID string
	// Summary may contain markup, it is reduced to plain text.
	Summary string
	// ContentHTML is a full article body, its readable text becomes RawText.
	ContentHTML string
	RawText     string
	PublishedAt time.Time
}

var strict = bluemonday.StrictPolicy()

// Normalize turns raw into a truncated candidate with its fingerprint. It
// reports false when the entry carries no text at all.
func Normalize(raw Raw, sourceName string, fetchedAt time.Time) (model.Item, bool) {
	title := StripHTML(raw.Title)
	summary := StripHTML(raw.Summary)
	rawText := strings.TrimSpace(raw.RawText)

	if rawText == "" && strings.TrimSpace(raw.ContentHTML) != "" {
		rawText = readableText(raw.ContentHTML, raw.Link)
	}

	if title == "" && summary == "" && rawText == "" {
		return model.Item{}, false
	}

	if title == "" {
		title = firstLine(summary)
	}
	if title == "" {
		title = firstLine(rawText)
	}
	if title == "" {
		title = noTitle
	}
	if summary == "" {
		summary = title
	}

	published := raw.PublishedAt
	if published.IsZero() {
		published = fetchedAt
	}

	item := model.Item{
		Title:       Truncate(title, model.MaxTitleLen),
		Link:        Truncate(strings.TrimSpace(raw.Link), model.MaxLinkLen),
		Summary:     Truncate(summary, model.MaxSummaryLen),
		SourceName:  sourceName,
		PublishedAt: published.UTC(),
		RawText:     Truncate(rawText, model.MaxRawTextLen),
	}

	identity := item.Link
	if identity == "" {
		identity = guidIdentity(sourceName, raw.GUID)
	}

	// An undated entry is fingerprinted with the zero time so that repeated
	// fetches of it agree. The fetch time is only what gets stored.
	item.Fingerprint = fingerprint.Of(identity, item.Title, item.SourceName, raw.PublishedAt)

	return item, true
}

// StripHTML removes markup and collapses whitespace.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}

	return strings.Join(strings.Fields(html.UnescapeString(strict.Sanitize(s))), " ")
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

// guidIdentity scopes a feed guid to its source, non-permalink guids are
// only unique within one feed.
func guidIdentity(sourceName, guid string) string {
	guid = strings.TrimSpace(guid)
	if guid == "" {
		return ""
	}

	return "guid:" + sourceName + "|" + guid
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}

	return strings.TrimSpace(s)
}

func readableText(contentHTML, link string) string {
	pageURL, err := url.Parse(link)
	if err != nil || pageURL.Host == "" {
		pageURL = &url.URL{Scheme: "https", Host: "localhost"}
	}

	article, err := readability.FromReader(strings.NewReader(contentHTML), pageURL)

	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return StripHTML(contentHTML)
	}

	return strings.TrimSpace(article.TextContent)
}
