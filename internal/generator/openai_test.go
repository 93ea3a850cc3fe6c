package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibot/internal/model"
)

var testArticle = model.Article{
	ID:         42,
	Title:      "Robot learns to walk",
	Summary:    "A robot walked across the lab.",
	SourceName: "habr",
	Link:       "https://habr.com/ru/news/1",
}

func newTestGenerator(t *testing.T, handler http.HandlerFunc) (*OpenAI, *[]time.Duration) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", MaxAttempts: 3}, zerolog.Nop())
	require.NoError(t, err)

	var pauses []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	return g, &pauses
}

func writeCompletion(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
	})
}

func TestGenerate_SendsPromptAndReturnsText(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		assert.Equal(t, DefaultModel, req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[1].Content, "Robot learns to walk")
		assert.Contains(t, req.Messages[1].Content, "habr")
		assert.Contains(t, req.Messages[1].Content, "https://habr.com/ru/news/1")

		writeCompletion(w, "  Post text 🤖  ")
	})

	text, err := g.Generate(context.Background(), testArticle)
	require.NoError(t, err)
	assert.Equal(t, "Post text 🤖", text)
}

func TestGenerate_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32

	g, pauses := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}

		writeCompletion(w, "finally")
	})

	text, err := g.Generate(context.Background(), testArticle)
	require.NoError(t, err)
	assert.Equal(t, "finally", text)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{DefaultBackoffStep, 2 * DefaultBackoffStep}, *pauses)
}

func TestGenerate_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32

	g, pauses := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := g.Generate(context.Background(), testArticle)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, *pauses, 2)
}

func TestGenerate_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	g, pauses := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	})

	_, err := g.Generate(context.Background(), testArticle)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad model", apiErr.Message)
	assert.False(t, apiErr.Transient())
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, *pauses)
}

func TestGenerate_EmptyText(t *testing.T) {
	g, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "   ")
	})

	_, err := g.Generate(context.Background(), testArticle)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerate_RetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g, err := New(Config{APIKey: "k", BaseURL: srv.URL, MaxAttempts: 2}, zerolog.Nop())
	require.NoError(t, err)

	var pauses int
	g.sleep = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}

	_, err = g.Generate(context.Background(), testArticle)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Equal(t, 1, pauses)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPrompt_WithoutLink(t *testing.T) {
	prompt, err := Prompt(model.Article{Title: "T", Summary: "S", SourceName: "src"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Заголовок: T")
	assert.Contains(t, prompt, "Ссылка: \n")
}
