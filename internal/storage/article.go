package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"aibot/internal/model"
)

type ArticleStorage struct {
	db *DB
}

type dbArticle struct {
	ID          int64          `db:"id"`
	Title       string         `db:"title"`
	Link        sql.NullString `db:"link"`
	Summary     string         `db:"summary"`
	Source      string         `db:"source"`
	PublishedAt time.Time      `db:"published_at"`
	RawText     sql.NullString `db:"raw_text"`
	Fingerprint string         `db:"fingerprint"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (a dbArticle) model() model.Article {
	return model.Article{
		ID:          a.ID,
		Title:       a.Title,
		Link:        a.Link.String,
		Summary:     a.Summary,
		SourceName:  a.Source,
		PublishedAt: a.PublishedAt.UTC(),
		RawText:     a.RawText.String,
		Fingerprint: a.Fingerprint,
		CreatedAt:   a.CreatedAt.UTC(),
	}
}

var articleColumns = []string{
	"id", "title", "link", "summary", "source", "published_at", "raw_text", "fingerprint", "created_at",
}

func NewArticleStorage(db *DB) *ArticleStorage {
	return &ArticleStorage{
		db: db,
	}
}

// Ingest stores item and its processing record in one transaction. When an
// article with the same fingerprint exists nothing is written and created is
// false; the existing row is never touched.
func (s *ArticleStorage) Ingest(ctx context.Context, item model.Item) (id int64, created bool, err error) {
	if item.Fingerprint == "" {
		return 0, false, errors.New("item has no fingerprint")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if !created {
			_ = tx.Rollback()
		}
	}()

	createdAt := now()

	query, args, err := s.db.Builder().Insert("news_items").
		Columns("title", "link", "summary", "source", "published_at", "raw_text", "fingerprint", "created_at").
		Values(
			item.Title,
			nullString(item.Link),
			item.Summary,
			item.SourceName,
			item.PublishedAt.UTC(),
			nullString(item.RawText),
			item.Fingerprint,
			createdAt,
		).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return 0, false, err
	}

	err = tx.QueryRowxContext(ctx, query, args...).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert news item: %w", err)
	}

	query, args, err = s.db.Builder().Insert("posts").
		Columns("news_id", "status", "created_at").
		Values(id, string(model.PostStatusNew), createdAt).
		ToSql()
	if err != nil {
		return 0, false, err
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, false, fmt.Errorf("insert post for news item %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit news item %d: %w", id, err)
	}

	created = true

	return id, created, nil
}

func (s *ArticleStorage) ByID(ctx context.Context, id int64) (model.Article, error) {
	query, args, err := s.db.Builder().Select(articleColumns...).From("news_items").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return model.Article{}, err
	}

	var article dbArticle

	err = s.db.GetContext(ctx, &article, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return model.Article{}, ErrNotFound
	}
	if err != nil {
		return model.Article{}, err
	}

	return article.model(), nil
}

// Latest returns up to limit articles, most recently published first.
func (s *ArticleStorage) Latest(ctx context.Context, limit uint64) ([]model.Article, error) {
	query, args, err := s.db.Builder().Select(articleColumns...).From("news_items").
		OrderBy("published_at DESC", "id DESC").Limit(limit).ToSql()
	if err != nil {
		return nil, err
	}

	var articles []dbArticle

	if err := s.db.SelectContext(ctx, &articles, query, args...); err != nil {
		return nil, err
	}

	return lo.Map(articles, func(article dbArticle, _ int) model.Article {
		return article.model()
	}), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
