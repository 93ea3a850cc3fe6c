package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"aibot/internal/model"
)

type PostStorage struct {
	db *DB
}

type dbPost struct {
	ID            int64          `db:"id"`
	NewsID        int64          `db:"news_id"`
	GeneratedText sql.NullString `db:"generated_text"`
	PublishedAt   sql.NullTime   `db:"published_at"`
	Status        string         `db:"status"`
	Error         sql.NullString `db:"error"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (p dbPost) model() model.Post {
	post := model.Post{
		ID:            p.ID,
		NewsID:        p.NewsID,
		GeneratedText: p.GeneratedText.String,
		Status:        model.PostStatus(p.Status),
		Error:         p.Error.String,
		CreatedAt:     p.CreatedAt.UTC(),
	}
	if p.PublishedAt.Valid {
		post.PublishedAt = p.PublishedAt.Time.UTC()
	}

	return post
}

var postColumns = []string{"id", "news_id", "generated_text", "published_at", "status", "error", "created_at"}

func NewPostStorage(db *DB) *PostStorage {
	return &PostStorage{db: db}
}

// IDsByStatus lists post ids in the given state, oldest first.
func (s *PostStorage) IDsByStatus(ctx context.Context, status model.PostStatus) ([]int64, error) {
	query, args, err := s.db.Builder().Select("id").From("posts").
		Where(sq.Eq{"status": string(status)}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, err
	}

	return ids, nil
}

func (s *PostStorage) ByID(ctx context.Context, id int64) (model.Post, error) {
	return s.get(ctx, sq.Eq{"id": id})
}

func (s *PostStorage) ByNewsID(ctx context.Context, newsID int64) (model.Post, error) {
	return s.get(ctx, sq.Eq{"news_id": newsID})
}

func (s *PostStorage) get(ctx context.Context, where sq.Eq) (model.Post, error) {
	query, args, err := s.db.Builder().Select(postColumns...).From("posts").Where(where).ToSql()
	if err != nil {
		return model.Post{}, err
	}

	var post dbPost

	err = s.db.GetContext(ctx, &post, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, ErrNotFound
	}
	if err != nil {
		return model.Post{}, err
	}

	return post.model(), nil
}

// WithArticle loads a post together with the article it belongs to.
func (s *PostStorage) WithArticle(ctx context.Context, id int64) (model.Post, model.Article, error) {
	post, err := s.ByID(ctx, id)
	if err != nil {
		return model.Post{}, model.Article{}, err
	}

	article, err := NewArticleStorage(s.db).ByID(ctx, post.NewsID)
	if err != nil {
		return model.Post{}, model.Article{}, err
	}

	return post, article, nil
}

// Latest returns up to limit posts, newest first.
func (s *PostStorage) Latest(ctx context.Context, limit uint64) ([]model.Post, error) {
	query, args, err := s.db.Builder().Select(postColumns...).From("posts").
		OrderBy("id DESC").Limit(limit).ToSql()
	if err != nil {
		return nil, err
	}

	var posts []dbPost
	if err := s.db.SelectContext(ctx, &posts, query, args...); err != nil {
		return nil, err
	}

	return lo.Map(posts, func(p dbPost, _ int) model.Post { return p.model() }), nil
}

// MarkGenerated moves a new post to generated. It reports false when the post
// was not in the new state.
func (s *PostStorage) MarkGenerated(ctx context.Context, id int64, text string) (bool, error) {
	return s.transition(ctx, id, model.PostStatusNew, s.db.Builder().Update("posts").
		Set("status", string(model.PostStatusGenerated)).
		Set("generated_text", text).
		Set("error", nil))
}

// MarkPublished moves a generated post to published.
func (s *PostStorage) MarkPublished(ctx context.Context, id int64, at time.Time) (bool, error) {
	return s.transition(ctx, id, model.PostStatusGenerated, s.db.Builder().Update("posts").
		Set("status", string(model.PostStatusPublished)).
		Set("published_at", at.UTC()).
		Set("error", nil))
}

// MarkFailed moves a post that is still in from to failed, overwriting any
// previous error message.
func (s *PostStorage) MarkFailed(ctx context.Context, id int64, from model.PostStatus, msg string) (bool, error) {
	return s.transition(ctx, id, from, s.db.Builder().Update("posts").
		Set("status", string(model.PostStatusFailed)).
		Set("error", msg))
}

func (s *PostStorage) transition(ctx context.Context, id int64, from model.PostStatus, b sq.UpdateBuilder) (bool, error) {
	query, args, err := b.Where(sq.Eq{"id": id, "status": string(from)}).ToSql()
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)

	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// CountByStatus is used by the admin surface to report pipeline progress.
func (s *PostStorage) CountByStatus(ctx context.Context) (map[model.PostStatus]int, error) {
	query, args, err := s.db.Builder().Select("status", "COUNT(*) AS n").From("posts").
		GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	counts := make(map[model.PostStatus]int, len(rows))
	for _, r := range rows {
		counts[model.PostStatus(r.Status)] = r.N
	}

	return counts, nil
}
