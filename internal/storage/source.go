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

type SourceStorage struct {
	db *DB
}

type dbSource struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	Name      string    `db:"name"`
	Location  string    `db:"location"`
	Enabled   bool      `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
}

func (s dbSource) model() model.Source {
	return model.Source{
		ID:        s.ID,
		Kind:      model.SourceKind(s.Kind),
		Name:      s.Name,
		Location:  s.Location,
		Enabled:   s.Enabled,
		CreatedAt: s.CreatedAt,
	}
}

// SourcePatch holds the fields to change, nil fields are left as is.
type SourcePatch struct {
	Kind     *model.SourceKind
	Name     *string
	Location *string
	Enabled  *bool
}

var sourceColumns = []string{"id", "kind", "name", "location", "enabled", "created_at"}

func NewSourceStorage(db *DB) *SourceStorage {
	return &SourceStorage{
		db: db,
	}
}

// Sources returns every configured source, newest first.
func (s *SourceStorage) Sources(ctx context.Context) ([]model.Source, error) {
	return s.list(ctx, s.db.Builder().Select(sourceColumns...).From("sources").OrderBy("id DESC"))
}

func (s *SourceStorage) EnabledSources(ctx context.Context) ([]model.Source, error) {
	return s.list(ctx, s.db.Builder().Select(sourceColumns...).From("sources").
		Where(sq.Eq{"enabled": true}).OrderBy("id"))
}

func (s *SourceStorage) list(ctx context.Context, b sq.SelectBuilder) ([]model.Source, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	var sources []dbSource
	err = s.db.SelectContext(ctx, &sources, query, args...)

	if err != nil {
		return nil, err
	}

	return lo.Map(sources, func(source dbSource, _ int) model.Source { return source.model() }), nil
}

func (s *SourceStorage) SourceByID(ctx context.Context, id int64) (model.Source, error) {
	query, args, err := s.db.Builder().Select(sourceColumns...).From("sources").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return model.Source{}, err
	}

	var source dbSource

	err = s.db.GetContext(ctx, &source, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, err
	}

	return source.model(), nil
}

func (s *SourceStorage) Add(ctx context.Context, source model.Source) (model.Source, error) {
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now()
	}

	query, args, err := s.db.Builder().Insert("sources").
		Columns("kind", "name", "location", "enabled", "created_at").
		Values(string(source.Kind), source.Name, source.Location, source.Enabled, source.CreatedAt.UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return model.Source{}, err
	}

	row := s.db.QueryRowxContext(ctx, query, args...)

	if err := row.Scan(&source.ID); err != nil {
		return model.Source{}, err
	}

	return source, nil
}

func (s *SourceStorage) Update(ctx context.Context, id int64, patch SourcePatch) (model.Source, error) {
	b := s.db.Builder().Update("sources").Where(sq.Eq{"id": id})
	changed := false

	if patch.Kind != nil {
		b = b.Set("kind", string(*patch.Kind))
		changed = true
	}
	if patch.Name != nil {
		b = b.Set("name", *patch.Name)
		changed = true
	}
	if patch.Location != nil {
		b = b.Set("location", *patch.Location)
		changed = true
	}
	if patch.Enabled != nil {
		b = b.Set("enabled", *patch.Enabled)
		changed = true
	}

	if !changed {
		return s.SourceByID(ctx, id)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return model.Source{}, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.Source{}, err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Source{}, ErrNotFound
	}

	return s.SourceByID(ctx, id)
}

func (s *SourceStorage) Delete(ctx context.Context, id int64) error {
	query, args, err := s.db.Builder().Delete("sources").Where(sq.Eq{"id": id}).ToSql()
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
