package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"

	"aibot/internal/model"
)

type KeywordStorage struct {
	db *DB
}

type dbKeyword struct {
	ID   int64  `db:"id"`
	Word string `db:"word"`
}

func NewKeywordStorage(db *DB) *KeywordStorage {
	return &KeywordStorage{db: db}
}

func (s *KeywordStorage) Keywords(ctx context.Context) ([]model.Keyword, error) {
	query, args, err := s.db.Builder().Select("id", "word").From("keywords").OrderBy("id DESC").ToSql()
	if err != nil {
		return nil, err
	}

	var keywords []dbKeyword
	if err := s.db.SelectContext(ctx, &keywords, query, args...); err != nil {
		return nil, err
	}

	return lo.Map(keywords, func(k dbKeyword, _ int) model.Keyword { return model.Keyword(k) }), nil
}

// Add stores a trimmed keyword. A word that is already present yields ErrConflict.
func (s *KeywordStorage) Add(ctx context.Context, word string) (model.Keyword, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return model.Keyword{}, errors.New("keyword is empty")
	}

	query, args, err := s.db.Builder().Insert("keywords").
		Columns("word").
		Values(word).
		Suffix("ON CONFLICT (word) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return model.Keyword{}, err
	}

	kw := model.Keyword{Word: word}

	err = s.db.QueryRowxContext(ctx, query, args...).Scan(&kw.ID)

	if errors.Is(err, sql.ErrNoRows) {
		return model.Keyword{}, ErrConflict
	}
	if err != nil {
		return model.Keyword{}, err
	}

	return kw, nil
}

func (s *KeywordStorage) Delete(ctx context.Context, id int64) error {
	query, args, err := s.db.Builder().Delete("keywords").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}
