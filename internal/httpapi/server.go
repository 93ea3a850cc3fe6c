// Package httpapi is the administrative HTTP surface: source and keyword
// management, read access to stored items, sweep triggers and task status.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"aibot/internal/model"
	"aibot/internal/queue"
	"aibot/internal/scheduler"
	"aibot/internal/storage"
)

const (
	defaultLimit  = 50
	maxLimit      = 500
	maxKeywordLen = 128
	maxBodyBytes  = 64 << 10
)

type Sources interface {
	Sources(ctx context.Context) ([]model.Source, error)
	SourceByID(ctx context.Context, id int64) (model.Source, error)
	Add(ctx context.Context, src model.Source) (model.Source, error)
	Update(ctx context.Context, id int64, patch storage.SourcePatch) (model.Source, error)
	Delete(ctx context.Context, id int64) error
}

type Keywords interface {
	Keywords(ctx context.Context) ([]model.Keyword, error)
	Add(ctx context.Context, word string) (model.Keyword, error)
	Delete(ctx context.Context, id int64) error
}

type Articles interface {
	Latest(ctx context.Context, limit uint64) ([]model.Article, error)
}

type Posts interface {
	Latest(ctx context.Context, limit uint64) ([]model.Post, error)
}

type Tasks interface {
	Trigger(ctx context.Context, stage scheduler.Stage) (string, error)
	Task(ctx context.Context, id string) (queue.Job, error)
}

type Server struct {
	sources  Sources
	keywords Keywords
	articles Articles
	posts    Posts
	tasks    Tasks
	log      zerolog.Logger
}

func New(sources Sources, keywords Keywords, articles Articles, posts Posts, tasks Tasks, log zerolog.Logger) *Server {
	return &Server{
		sources:  sources,
		keywords: keywords,
		articles: articles,
		posts:    posts,
		tasks:    tasks,
		log:      log,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.createSource)
			r.Patch("/{id}", s.updateSource)
			r.Delete("/{id}", s.deleteSource)
		})

		r.Route("/keywords", func(r chi.Router) {
			r.Get("/", s.listKeywords)
			r.Post("/", s.createKeyword)
			r.Delete("/{id}", s.deleteKeyword)
		})

		r.Get("/news/", s.listNews)
		r.Get("/posts/", s.listPosts)

		r.Post("/pipeline/run", s.trigger(scheduler.StageCollect))
		r.Post("/generate/", s.trigger(scheduler.StageGenerate))
		r.Post("/publish/", s.trigger(scheduler.StagePublish))

		r.Get("/tasks/{id}", s.getTask)
	})

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)

	go func() {
		s.log.Info().Str("addr", addr).Msg("http api listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return ctx.Err()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStorageError maps storage sentinels to statuses and hides anything else.
func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}

	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}

	return id, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}

	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || limit == 0 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxLimit))
		return 0, false
	}

	return limit, true
}
