package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibot/internal/fingerprint"
	"aibot/internal/model"
	"aibot/internal/queue"
	"aibot/internal/scheduler"
	"aibot/internal/storage"
)

type env struct {
	srv      *httptest.Server
	articles *storage.ArticleStorage
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ctx := context.Background()

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	sources := storage.NewSourceStorage(db)
	posts := storage.NewPostStorage(db)
	sched := scheduler.New(queue.New(db, queue.Options{}), sources, posts, scheduler.Intervals{}, zerolog.Nop())

	articles := storage.NewArticleStorage(db)
	api := New(sources, storage.NewKeywordStorage(db), articles, posts, sched, zerolog.Nop())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &env{srv: srv, articles: articles}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, out.Bytes()
}

func TestHealth(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestSources(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodPost, "/api/v1/sources/", map[string]any{
		"kind": "site", "name": "habr", "location": "https://habr.com/rss",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var created sourceJSON
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.Enabled)
	assert.Equal(t, "site", created.Kind)

	status, _ = e.do(t, http.MethodPost, "/api/v1/sources/", map[string]any{
		"kind": "rss", "name": "x", "location": "y",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = e.do(t, http.MethodPatch, "/api/v1/sources/"+itoa(created.ID), map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, status, string(body))

	var updated sourceJSON
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.False(t, updated.Enabled)
	assert.Equal(t, "habr", updated.Name)

	status, body = e.do(t, http.MethodGet, "/api/v1/sources/", nil)
	require.Equal(t, http.StatusOK, status)

	var list []sourceJSON
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/sources/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/sources/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodPatch, "/api/v1/sources/abc", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSources_Validation(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodPost, "/api/v1/sources/", map[string]any{
		"kind": "channel", "name": "bad", "location": "https://t.me/",
	})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, body = e.do(t, http.MethodPost, "/api/v1/sources/", map[string]any{
		"kind": "site", "name": strings.Repeat("n", model.MaxSourceNameLen+1), "location": "https://habr.com/rss",
	})
	assert.Equal(t, http.StatusBadRequest, status, string(body))
	assert.Contains(t, string(body), "name must be at most")

	status, body = e.do(t, http.MethodPost, "/api/v1/sources/", map[string]any{
		"kind": "channel", "name": "robo", "location": "@robonews",
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var created sourceJSON
	require.NoError(t, json.Unmarshal(body, &created))

	status, body = e.do(t, http.MethodPatch, "/api/v1/sources/"+itoa(created.ID), map[string]any{"location": "bad name"})
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, _ = e.do(t, http.MethodPatch, "/api/v1/sources/"+itoa(created.ID), map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPatch, "/api/v1/sources/999", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKeywords(t *testing.T) {
	e := newEnv(t)

	status, body := e.do(t, http.MethodPost, "/api/v1/keywords/", map[string]string{"word": " robotics "})
	require.Equal(t, http.StatusCreated, status)

	var kw keywordJSON
	require.NoError(t, json.Unmarshal(body, &kw))
	assert.Equal(t, "robotics", kw.Word)

	status, _ = e.do(t, http.MethodPost, "/api/v1/keywords/", map[string]string{"word": "robotics"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = e.do(t, http.MethodPost, "/api/v1/keywords/", map[string]string{"word": "  "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodDelete, "/api/v1/keywords/"+itoa(kw.ID), nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestNewsAndPosts(t *testing.T) {
	e := newEnv(t)

	published := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	_, _, err := e.articles.Ingest(context.Background(), model.Item{
		Title:       "No link",
		Summary:     "Summary",
		SourceName:  "robo",
		PublishedAt: published,
		Fingerprint: fingerprint.Of("", "No link", "robo", published),
	})
	require.NoError(t, err)

	status, body := e.do(t, http.MethodGet, "/api/v1/news/?limit=10", nil)
	require.Equal(t, http.StatusOK, status)

	var news []map[string]any
	require.NoError(t, json.Unmarshal(body, &news))
	require.Len(t, news, 1)
	assert.Nil(t, news[0]["link"])
	assert.Equal(t, "robo", news[0]["source"])

	status, body = e.do(t, http.MethodGet, "/api/v1/posts/", nil)
	require.Equal(t, http.StatusOK, status)

	var posts []map[string]any
	require.NoError(t, json.Unmarshal(body, &posts))
	require.Len(t, posts, 1)
	assert.Equal(t, "new", posts[0]["status"])
	assert.Nil(t, posts[0]["published_at"])

	status, _ = e.do(t, http.MethodGet, "/api/v1/news/?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTriggerAndTask(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/api/v1/pipeline/run", "/api/v1/generate/", "/api/v1/publish/"} {
		status, body := e.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusAccepted, status, path)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(body, &resp))
		require.NotEmpty(t, resp["task_id"])

		status, body = e.do(t, http.MethodGet, "/api/v1/tasks/"+resp["task_id"], nil)
		require.Equal(t, http.StatusOK, status)

		var task taskJSON
		require.NoError(t, json.Unmarshal(body, &task))
		assert.Equal(t, "pending", task.State)
		assert.Nil(t, task.FinishedAt)
	}

	status, _ := e.do(t, http.MethodGet, "/api/v1/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
