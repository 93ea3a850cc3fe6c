// Package queue is a persistent work queue with visibility timeouts, stored in
// the jobs table next to the pipeline data.
//
// A claimed job stays invisible for the visibility window. A worker that
// finishes it marks it done or failed; a worker that dies leaves it pending,
// and the job is claimed again once the window passes. At most one pending job
// exists per (kind, ref) pair.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"aibot/internal/storage"
)

const (
	Default = "default"
	Publish = "publish"
)

type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

type Job struct {
	ID         string
	Queue      string
	Kind       string
	RefID      int64
	State      State
	Attempts   int
	VisibleAt  time.Time
	CreatedAt  time.Time
	FinishedAt time.Time
	Error      string
}

type Options struct {
	// Visibility is how long a claimed job stays hidden. Default: 5m.
	Visibility time.Duration
	// MaxAttempts is the number of claims after which a job is failed
	// instead of delivered again. Default: 3.
	MaxAttempts int
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Queue struct {
	db   *storage.DB
	opts Options
}

func New(db *storage.DB, opts Options) *Queue {
	opts.defaults()

	return &Queue{db: db, opts: opts}
}

type dbJob struct {
	ID         string         `db:"id"`
	Queue      string         `db:"queue"`
	Kind       string         `db:"kind"`
	RefID      int64          `db:"ref_id"`
	State      string         `db:"state"`
	Attempts   int            `db:"attempts"`
	VisibleAt  int64          `db:"visible_at"`
	CreatedAt  int64          `db:"created_at"`
	FinishedAt sql.NullInt64  `db:"finished_at"`
	Error      sql.NullString `db:"error"`
}

func (j dbJob) model() Job {
	job := Job{
		ID:        j.ID,
		Queue:     j.Queue,
		Kind:      j.Kind,
		RefID:     j.RefID,
		State:     State(j.State),
		Attempts:  j.Attempts,
		VisibleAt: time.UnixMilli(j.VisibleAt).UTC(),
		CreatedAt: time.UnixMilli(j.CreatedAt).UTC(),
		Error:     j.Error.String,
	}

	if j.FinishedAt.Valid {
		job.FinishedAt = time.UnixMilli(j.FinishedAt.Int64).UTC()
	}

	return job
}

const jobColumns = "id, queue, kind, ref_id, state, attempts, visible_at, created_at, finished_at, error"

// Enqueue adds a job that is visible immediately. When a pending job for the
// same kind and ref already exists its id is returned and created is false.
func (q *Queue) Enqueue(ctx context.Context, queue, kind string, refID int64) (id string, created bool, err error) {
	now := q.opts.Now().UnixMilli()

	query, args, err := q.db.Builder().Insert("jobs").
		Columns("id", "queue", "kind", "ref_id", "state", "attempts", "visible_at", "created_at").
		Values(uuid.NewString(), queue, kind, refID, string(StatePending), 0, now, now).
		Suffix("ON CONFLICT (kind, ref_id) WHERE state = 'pending' DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return "", false, err
	}

	err = q.db.QueryRowxContext(ctx, query, args...).Scan(&id)

	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("enqueue %s/%d: %w", kind, refID, err)
	}

	query, args, err = q.db.Builder().Select("id").From("jobs").
		Where(sq.Eq{"kind": kind, "ref_id": refID, "state": string(StatePending)}).
		ToSql()
	if err != nil {
		return "", false, err
	}

	if err := q.db.GetContext(ctx, &id, query, args...); err != nil {
		return "", false, fmt.Errorf("find pending %s/%d: %w", kind, refID, err)
	}

	return id, false, nil
}

// Claim hides the oldest visible pending job of queue and returns it. It
// returns nil, nil when nothing is visible. Jobs that were already claimed
// MaxAttempts times are failed on the way.
func (q *Queue) Claim(ctx context.Context, queue string) (*Job, error) {
	for {
		job, err := q.claim(ctx, queue)
		if err != nil || job == nil {
			return job, err
		}

		if job.Attempts <= q.opts.MaxAttempts {
			return job, nil
		}

		msg := fmt.Sprintf("gave up after %d attempts", job.Attempts-1)
		if err := q.Fail(ctx, job.ID, msg); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) claim(ctx context.Context, queue string) (*Job, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	lock := ""
	if q.db.Driver() == storage.DriverPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}

	query := q.db.Rebind(`
		UPDATE jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND state = 'pending' AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1 ` + lock + `
		)
		AND state = 'pending'
		RETURNING ` + jobColumns)

	var row dbJob

	err := q.db.GetContext(ctx, &row, query, hideUntil, queue, now.UnixMilli())

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, err)
	}

	job := row.model()

	return &job, nil
}

// Complete marks a pending job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StateDone, nil)
}

// Fail marks a pending job failed with msg.
func (q *Queue) Fail(ctx context.Context, id, msg string) error {
	return q.finish(ctx, id, StateFailed, msg)
}

func (q *Queue) finish(ctx context.Context, id string, state State, msg any) error {
	query, args, err := q.db.Builder().Update("jobs").
		Set("state", string(state)).
		Set("finished_at", q.opts.Now().UnixMilli()).
		Set("error", msg).
		Where(sq.Eq{"id": id, "state": string(StatePending)}).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, state, err)
	}

	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	query, args, err := q.db.Builder().Select(jobColumns).From("jobs").
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return Job{}, err
	}

	var row dbJob

	err = q.db.GetContext(ctx, &row, query, args...)

	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, storage.ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}

	return row.model(), nil
}

// Pending counts jobs of queue that are waiting, visible or not.
func (q *Queue) Pending(ctx context.Context, queue string) (int, error) {
	query, args, err := q.db.Builder().Select("COUNT(*)").From("jobs").
		Where(sq.Eq{"queue": queue, "state": string(StatePending)}).ToSql()
	if err != nil {
		return 0, err
	}

	var n int
	if err := q.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, err
	}

	return n, nil
}
