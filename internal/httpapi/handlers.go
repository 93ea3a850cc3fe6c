package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"aibot/internal/model"
	"aibot/internal/scheduler"
	"aibot/internal/source"
	"aibot/internal/storage"
)

type sourceJSON struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

func toSourceJSON(s model.Source, _ int) sourceJSON {
	return sourceJSON{
		ID:        s.ID,
		Kind:      string(s.Kind),
		Name:      s.Name,
		Location:  s.Location,
		Enabled:   s.Enabled,
		CreatedAt: s.CreatedAt,
	}
}

type createSourceRequest struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Enabled  *bool  `json:"enabled"`
}

type updateSourceRequest struct {
	Kind     *string `json:"kind"`
	Name     *string `json:"name"`
	Location *string `json:"location"`
	Enabled  *bool   `json:"enabled"`
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.sources.Sources(r.Context())
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(sources, toSourceJSON))
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var req createSourceRequest
	if !decode(w, r, &req) {
		return
	}

	src := model.Source{
		Kind:     model.SourceKind(req.Kind),
		Name:     strings.TrimSpace(req.Name),
		Location: strings.TrimSpace(req.Location),
		Enabled:  lo.FromPtrOr(req.Enabled, true),
	}

	if err := validateSource(src); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.sources.Add(r.Context(), src)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSourceJSON(created, 0))
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req updateSourceRequest
	if !decode(w, r, &req) {
		return
	}

	current, err := s.sources.SourceByID(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	patch := storage.SourcePatch{Enabled: req.Enabled}

	if req.Kind != nil {
		kind := model.SourceKind(*req.Kind)
		patch.Kind = &kind
		current.Kind = kind
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		patch.Name = &name
		current.Name = name
	}
	if req.Location != nil {
		location := strings.TrimSpace(*req.Location)
		patch.Location = &location
		current.Location = location
	}

	if err := validateSource(current); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.sources.Update(r.Context(), id, patch)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSourceJSON(updated, 0))
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := s.sources.Delete(r.Context(), id); err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func validateSource(src model.Source) error {
	switch {
	case !src.Kind.Valid():
		return errors.New("kind must be site or channel")
	case src.Name == "":
		return errors.New("name is required")
	case utf8.RuneCountInString(src.Name) > model.MaxSourceNameLen:
		return fmt.Errorf("name must be at most %d characters", model.MaxSourceNameLen)
	case src.Location == "":
		return errors.New("location is required")
	case utf8.RuneCountInString(src.Location) > model.MaxSourceLocationLen:
		return fmt.Errorf("location must be at most %d characters", model.MaxSourceLocationLen)
	}

	if src.Kind == model.SourceKindChannel {
		if _, err := source.ChannelName(src.Location); err != nil {
			return err
		}
	}

	return nil
}

type keywordJSON struct {
	ID   int64  `json:"id"`
	Word string `json:"word"`
}

func toKeywordJSON(k model.Keyword, _ int) keywordJSON {
	return keywordJSON{ID: k.ID, Word: k.Word}
}

func (s *Server) listKeywords(w http.ResponseWriter, r *http.Request) {
	keywords, err := s.keywords.Keywords(r.Context())
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(keywords, toKeywordJSON))
}

func (s *Server) createKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Word string `json:"word"`
	}
	if !decode(w, r, &req) {
		return
	}

	word := strings.TrimSpace(req.Word)
	if word == "" || len([]rune(word)) > maxKeywordLen {
		writeError(w, http.StatusBadRequest, "word must be 1 to 128 characters")
		return
	}

	kw, err := s.keywords.Add(r.Context(), word)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toKeywordJSON(kw, 0))
}

func (s *Server) deleteKeyword(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := s.keywords.Delete(r.Context(), id); err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type newsJSON struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Link        *string   `json:"link"`
	Summary     string    `json:"summary"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	RawText     *string   `json:"raw_text"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) listNews(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	articles, err := s.articles.Latest(r.Context(), limit)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(articles, func(a model.Article, _ int) newsJSON {
		return newsJSON{
			ID:          a.ID,
			Title:       a.Title,
			Link:        lo.EmptyableToPtr(a.Link),
			Summary:     a.Summary,
			Source:      a.SourceName,
			PublishedAt: a.PublishedAt,
			RawText:     lo.EmptyableToPtr(a.RawText),
			Fingerprint: a.Fingerprint,
			CreatedAt:   a.CreatedAt,
		}
	}))
}

type postJSON struct {
	ID            int64      `json:"id"`
	NewsID        int64      `json:"news_id"`
	GeneratedText *string    `json:"generated_text"`
	PublishedAt   *time.Time `json:"published_at"`
	Status        string     `json:"status"`
	Error         *string    `json:"error"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	posts, err := s.posts.Latest(r.Context(), limit)
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lo.Map(posts, func(p model.Post, _ int) postJSON {
		return postJSON{
			ID:            p.ID,
			NewsID:        p.NewsID,
			GeneratedText: lo.EmptyableToPtr(p.GeneratedText),
			PublishedAt:   lo.EmptyableToPtr(p.PublishedAt),
			Status:        string(p.Status),
			Error:         lo.EmptyableToPtr(p.Error),
			CreatedAt:     p.CreatedAt,
		}
	}))
}

func (s *Server) trigger(stage scheduler.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.tasks.Trigger(r.Context(), stage)
		if err != nil {
			s.writeStorageError(w, r, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
	}
}

type taskJSON struct {
	ID         string     `json:"task_id"`
	Kind       string     `json:"kind"`
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Error      *string    `json:"error"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	job, err := s.tasks.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, taskJSON{
		ID:         job.ID,
		Kind:       job.Kind,
		State:      string(job.State),
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		FinishedAt: lo.EmptyableToPtr(job.FinishedAt),
		Error:      lo.EmptyableToPtr(job.Error),
	})
}
