package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibot/internal/model"
	"aibot/internal/source"
	"aibot/internal/storage"
)

const feed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Tech</title>
  <link>https://tech.example</link>
  <description>Tech news</description>
  <item>
    <title>Robotics startup raises money</title>
    <link>https://tech.example/a</link>
    <description>Funding round</description>
    <pubDate>Mon, 02 Jun 2025 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Weather report</title>
    <link>https://tech.example/b</link>
    <description>Rain expected</description>
    <pubDate>Mon, 02 Jun 2025 11:00:00 GMT</pubDate>
  </item>
  <item>
    <title>New humanoid</title>
    <link>https://tech.example/c</link>
    <description>Advances in ROBOTICS research</description>
    <pubDate>Mon, 02 Jun 2025 12:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

const undatedFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Digest</title>
  <link>https://digest.example</link>
  <description>Digest feed</description>
  <item>
    <guid isPermaLink="false">story-1</guid>
    <title>Same story</title>
    <description>Same body</description>
  </item>
</channel>
</rss>`

type env struct {
	srv      *httptest.Server
	db       *storage.DB
	sources  *storage.SourceStorage
	keywords *storage.KeywordStorage
	fetcher  *Fetcher
	feedURL  string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ctx := context.Background()

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "fetcher.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feed))
	})
	mux.HandleFunc("/undated", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(undatedFeed))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := &env{
		srv:      srv,
		db:       db,
		sources:  storage.NewSourceStorage(db),
		keywords: storage.NewKeywordStorage(db),
		feedURL:  srv.URL,
	}

	e.fetcher = New(storage.NewArticleStorage(db), e.sources, e.keywords, source.Options{
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC) },
	}, zerolog.Nop())

	return e
}

func (e *env) addSource(t *testing.T, name, path string, enabled bool) model.Source {
	t.Helper()

	src, err := e.sources.Add(context.Background(), model.Source{
		Kind:     model.SourceKindSite,
		Name:     name,
		Location: e.feedURL + path,
		Enabled:  enabled,
	})
	require.NoError(t, err)

	return src
}

func TestFetchSource_WithoutKeywordsAcceptsAll(t *testing.T) {
	e := newEnv(t)
	src := e.addSource(t, "tech", "/feed", true)

	stats, err := e.fetcher.FetchSource(context.Background(), src.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 3, stats.Created)
	assert.Zero(t, stats.Rejected)
	assert.Len(t, stats.CreatedIDs, 3)
}

func TestFetchSource_KeywordGateAndDedup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := e.addSource(t, "tech", "/feed", true)

	_, err := e.keywords.Add(ctx, "robotics")
	require.NoError(t, err)

	stats, err := e.fetcher.FetchSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 1, stats.Rejected)

	again, err := e.fetcher.FetchSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 2, again.Duplicates)
	assert.Equal(t, 1, again.Rejected)

	var stored int
	require.NoError(t, e.db.Get(&stored, "SELECT COUNT(*) FROM news_items"))
	assert.Equal(t, 2, stored)
}

func TestFetchSource_Disabled(t *testing.T) {
	e := newEnv(t)
	src := e.addSource(t, "tech", "/feed", false)

	stats, err := e.fetcher.FetchSource(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Fetched)
}

func TestFetchSource_Missing(t *testing.T) {
	e := newEnv(t)

	_, err := e.fetcher.FetchSource(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchAll_ContinuesPastFailingSource(t *testing.T) {
	e := newEnv(t)
	e.addSource(t, "broken", "/broken", true)
	e.addSource(t, "tech", "/feed", true)
	e.addSource(t, "off", "/feed", false)

	stats, err := e.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Sources)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, stats.Created)
}

func TestFetchAll_SameFeedTwiceStoresOnce(t *testing.T) {
	e := newEnv(t)
	e.addSource(t, "tech", "/feed", true)
	e.addSource(t, "tech-mirror", "/feed", true)

	stats, err := e.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 3, stats.Duplicates)
}

func TestFetchSource_UndatedEntryWithoutLinkStoresOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	src := e.addSource(t, "digest", "/undated", true)

	now := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	f := New(storage.NewArticleStorage(e.db), e.sources, e.keywords, source.Options{
		HTTPClient: e.srv.Client(),
		Now: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
	}, zerolog.Nop())

	stats, err := f.FetchSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	for range 2 {
		stats, err = f.FetchSource(ctx, src.ID)
		require.NoError(t, err)
		assert.Zero(t, stats.Created)
		assert.Equal(t, 1, stats.Duplicates)
	}

	var count int
	require.NoError(t, e.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM news_items"))
	assert.Equal(t, 1, count)
}
