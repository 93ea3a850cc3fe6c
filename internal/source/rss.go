package source

import (
	"context"
	"net/http"
	"time"

	"github.com/SlyMarbo/rss"
	"github.com/samber/lo"

	"aibot/internal/model"
)

type RSSSource struct {
	URL        string
	sourceID   int64
	sourceName string

	client *http.Client
	now    func() time.Time
}

func (s RSSSource) ID() int64 {
	return s.sourceID
}

func (s RSSSource) Name() string {
	return s.sourceName
}

func NewRSSSourceFromModel(m model.Source, opts Options) RSSSource {
	opts.defaults()

	return RSSSource{
		URL:        m.Location,
		sourceID:   m.ID,
		sourceName: m.Name,
		client:     opts.HTTPClient,
		now:        opts.Now,
	}
}

func (s RSSSource) Fetch(ctx context.Context) ([]model.Item, error) {
	feed, err := s.loadFeed(ctx, s.URL)

	if err != nil {
		return nil, err
	}

	fetchedAt := s.now()

	return lo.FilterMap(feed.Items, func(item *rss.Item, _ int) (model.Item, bool) {
		var published time.Time
		if item.DateValid {
			published = item.Date
		}

		return Normalize(Raw{
			Title:       item.Title,
			Link:        item.Link,
			GUID:        item.ID,
			Summary:     item.Summary,
			ContentHTML: item.Content,
			PublishedAt: published,
		}, s.sourceName, fetchedAt)
	}), nil
}

func (s RSSSource) loadFeed(ctx context.Context, url string) (*rss.Feed, error) {
	feedChan := make(chan *rss.Feed, 1)
	errorChan := make(chan error, 1)

	go func() {
		feed, err := rss.FetchByClient(url, s.client)

		if err != nil {
			errorChan <- err
			return
		}

		feedChan <- feed

	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errorChan:
		return nil, err
	case feed := <-feedChan:
		return feed, nil
	}
}
