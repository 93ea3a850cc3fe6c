package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"aibot/internal/model"
)

const (
	channelLinkBase   = "https://t.me/"
	channelTitleLimit = 140
)

// ChannelSource reads the public web preview of a messaging channel.
type ChannelSource struct {
	Channel    string
	sourceID   int64
	sourceName string

	baseURL string
	limit   int
	client  *http.Client
	now     func() time.Time
}

func (s ChannelSource) ID() int64 {
	return s.sourceID
}

func (s ChannelSource) Name() string {
	return s.sourceName
}

func NewChannelSourceFromModel(m model.Source, opts Options) (ChannelSource, error) {
	opts.defaults()

	channel, err := ChannelName(m.Location)
	if err != nil {
		return ChannelSource{}, fmt.Errorf("source %d: %w", m.ID, err)
	}

	return ChannelSource{
		Channel:    channel,
		sourceID:   m.ID,
		sourceName: m.Name,
		baseURL:    strings.TrimRight(opts.ChannelBaseURL, "/"),
		limit:      opts.ChannelLimit,
		client:     opts.HTTPClient,
		now:        opts.Now,
	}, nil
}

// ChannelName extracts the bare channel name from "@name", "name" or a
// t.me link.
func ChannelName(location string) (string, error) {
	loc := strings.TrimSpace(location)

	if strings.Contains(loc, "t.me/") {
		if !strings.Contains(loc, "://") {
			loc = "https://" + loc
		}

		u, err := url.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("parse channel location %q: %w", location, err)
		}

		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) > 0 && parts[0] == "s" {
			parts = parts[1:]
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("channel location %q has no channel name", location)
		}
		loc = parts[0]
	}

	loc = strings.TrimPrefix(loc, "@")
	if loc == "" || strings.ContainsAny(loc, "/?# ") {
		return "", fmt.Errorf("invalid channel location %q", location)
	}

	return loc, nil
}

func (s ChannelSource) Fetch(ctx context.Context) ([]model.Item, error) {
	endpoint := fmt.Sprintf("%s/s/%s", s.baseURL, url.PathEscape(s.Channel))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", s.Channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch channel %s: unexpected status %s", s.Channel, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse channel %s: %w", s.Channel, err)
	}

	return s.parse(doc), nil
}

func (s ChannelSource) parse(doc *goquery.Document) []model.Item {
	fetchedAt := s.now()

	messages := doc.Find(".tgme_widget_message[data-post]")
	if s.limit > 0 && messages.Length() > s.limit {
		messages = messages.Slice(messages.Length()-s.limit, messages.Length())
	}

	var items []model.Item

	messages.Each(func(_ int, msg *goquery.Selection) {
		textSel := msg.Find(".tgme_widget_message_text").First()
		textSel.Find("br").ReplaceWithHtml("\n")

		text := strings.TrimSpace(textSel.Text())
		if text == "" {
			return
		}

		var link string
		if post, ok := msg.Attr("data-post"); ok && post != "" {
			link = channelLinkBase + strings.TrimPrefix(post, "/")
		}

		var published time.Time
		if dt, ok := msg.Find(".tgme_widget_message_date time").Attr("datetime"); ok {
			if t, err := dateparse.ParseAny(dt); err == nil {
				published = t
			}
		}

		item, ok := Normalize(Raw{
			Title:       Truncate(firstLine(text), channelTitleLimit),
			Link:        link,
			Summary:     text,
			RawText:     text,
			PublishedAt: published,
		}, s.sourceName, fetchedAt)

		if ok {
			// StripHTML flattens newlines, channel posts keep their layout.
			item.Summary = Truncate(text, model.MaxSummaryLen)
			items = append(items, item)
		}
	})

	return items
}
