package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibot/internal/fetcher"
	"aibot/internal/model"
	"aibot/internal/processor"
	"aibot/internal/queue"
	"aibot/internal/storage"
)

type fakeSources []model.Source

func (s fakeSources) EnabledSources(context.Context) ([]model.Source, error) {
	return s, nil
}

type fakePosts map[model.PostStatus][]int64

func (p fakePosts) IDsByStatus(_ context.Context, status model.PostStatus) ([]int64, error) {
	return p[status], nil
}

type fakeResolver map[int64]int64

func (p fakeResolver) ByNewsID(_ context.Context, newsID int64) (model.Post, error) {
	id, ok := p[newsID]
	if !ok {
		return model.Post{}, storage.ErrNotFound
	}

	return model.Post{ID: id, NewsID: newsID}, nil
}

type recorder struct {
	mu        sync.Mutex
	collected []int64
	generated []int64
	published []int64
	errs      map[int64]error
	panics    map[int64]bool
	created   map[int64][]int64
}

func (r *recorder) outcome(id int64) error {
	if r.panics[id] {
		panic("boom")
	}

	return r.errs[id]
}

func (r *recorder) FetchSource(_ context.Context, id int64) (fetcher.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.collected = append(r.collected, id)

	return fetcher.Stats{CreatedIDs: r.created[id]}, r.outcome(id)
}

func (r *recorder) Generate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generated = append(r.generated, id)

	return r.outcome(id)
}

func (r *recorder) Publish(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.published = append(r.published, id)

	return r.outcome(id)
}

func (r *recorder) snapshot() (collected, generated, published []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]int64(nil), r.collected...), append([]int64(nil), r.generated...), append([]int64(nil), r.published...)
}

type env struct {
	queue      *queue.Queue
	scheduler  *Scheduler
	dispatcher *Dispatcher
	rec        *recorder
}

func newEnv(t *testing.T, sources fakeSources, posts fakePosts) *env {
	t.Helper()

	ctx := context.Background()

	db, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	q := queue.New(db, queue.Options{Visibility: time.Minute})
	rec := &recorder{errs: map[int64]error{}, panics: map[int64]bool{}, created: map[int64][]int64{}}
	s := New(q, sources, posts, Intervals{Collect: time.Hour, Generate: time.Hour, Publish: time.Hour}, zerolog.Nop())

	return &env{
		queue:      q,
		scheduler:  s,
		dispatcher: NewDispatcher(q, s, rec, rec, DispatcherOptions{Workers: 2, PollInterval: 10 * time.Millisecond}, zerolog.Nop()),
		rec:        rec,
	}
}

func TestParseStage(t *testing.T) {
	stage, err := ParseStage("publish")
	require.NoError(t, err)
	assert.Equal(t, StagePublish, stage)

	_, err = ParseStage("rank")
	assert.Error(t, err)
}

func TestPlan_DoesNotDoubleEnqueue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, fakePosts{model.PostStatusNew: {1, 2, 3}})

	n, err := e.scheduler.Plan(ctx, StageGenerate)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = e.scheduler.Plan(ctx, StageGenerate)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := e.queue.Pending(ctx, queue.Default)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestPlan_PublishUsesOwnQueue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, fakePosts{model.PostStatusGenerated: {5}})

	_, err := e.scheduler.Plan(ctx, StagePublish)
	require.NoError(t, err)

	job, err := e.queue.Claim(ctx, queue.Publish)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, KindPublish, job.Kind)
	assert.EqualValues(t, 5, job.RefID)
}

func TestTrigger_DrainRunsTheSweep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeSources{{ID: 10, Enabled: true}, {ID: 11, Enabled: true}}, nil)

	taskID, err := e.scheduler.Trigger(ctx, StageCollect)
	require.NoError(t, err)

	task, err := e.scheduler.Task(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, task.State)
	assert.Equal(t, KindSweepCollect, task.Kind)

	require.NoError(t, e.dispatcher.Drain(ctx))

	collected, _, _ := e.rec.snapshot()
	assert.ElementsMatch(t, []int64{10, 11}, collected)

	task, err = e.scheduler.Task(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDone, task.State)
}

func TestTrigger_SameStageTwiceSharesHandle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	first, err := e.scheduler.Trigger(ctx, StageGenerate)
	require.NoError(t, err)
	second, err := e.scheduler.Trigger(ctx, StageGenerate)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDispatcher_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, fakePosts{model.PostStatusNew: {1, 2, 3, 4}})

	e.rec.errs[2] = errors.New("generation failed")
	e.rec.errs[3] = processor.ErrSkipped
	e.rec.panics[4] = true

	_, err := e.scheduler.Plan(ctx, StageGenerate)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Drain(ctx))

	_, generated, _ := e.rec.snapshot()
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, generated)

	pending, err := e.queue.Pending(ctx, queue.Default)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// every job finished, so each unit can be queued again
	for _, id := range []int64{1, 2, 3, 4} {
		_, created, err := e.queue.Enqueue(ctx, queue.Default, KindGenerate, id)
		require.NoError(t, err)
		assert.True(t, created)
	}
}

func TestDispatcher_RecordsFailureMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	e.rec.errs[7] = errors.New("chat not found")

	failID, _, err := e.queue.Enqueue(ctx, queue.Publish, KindPublish, 7)
	require.NoError(t, err)
	panicID, _, err := e.queue.Enqueue(ctx, queue.Default, KindGenerate, 8)
	require.NoError(t, err)
	unknownID, _, err := e.queue.Enqueue(ctx, queue.Default, "rank", 0)
	require.NoError(t, err)

	e.rec.panics[8] = true

	require.NoError(t, e.dispatcher.Drain(ctx))

	job, err := e.queue.Get(ctx, failID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, "chat not found", job.Error)

	job, err = e.queue.Get(ctx, panicID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Contains(t, job.Error, "panic")

	job, err = e.queue.Get(ctx, unknownID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Contains(t, job.Error, "unknown job kind")
}

func TestDispatcher_Run(t *testing.T) {
	e := newEnv(t, nil, fakePosts{model.PostStatusGenerated: {1, 2}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskID, err := e.scheduler.Trigger(ctx, StagePublish)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, _, published := e.rec.snapshot()
		return len(published) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, _, published := e.rec.snapshot()
	assert.ElementsMatch(t, []int64{1, 2}, published)

	task, err := e.scheduler.Task(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDone, task.State)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcher_FlowThrough(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	e.rec.created[10] = []int64{1, 2, 3}
	e.rec.errs[102] = errors.New("generation failed")

	d := NewDispatcher(e.queue, e.scheduler, e.rec, e.rec, DispatcherOptions{
		FlowThrough: fakeResolver{1: 101, 2: 102},
	}, zerolog.Nop())

	_, _, err := e.queue.Enqueue(ctx, queue.Default, KindCollect, 10)
	require.NoError(t, err)
	require.NoError(t, d.Drain(ctx))

	collected, generated, published := e.rec.snapshot()
	assert.Equal(t, []int64{10}, collected)
	assert.ElementsMatch(t, []int64{101, 102}, generated)
	assert.Equal(t, []int64{101}, published)
}

func TestDispatcher_WithoutFlowThroughStopsAtUnit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)

	e.rec.created[10] = []int64{1}

	_, _, err := e.queue.Enqueue(ctx, queue.Default, KindCollect, 10)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Drain(ctx))

	_, generated, published := e.rec.snapshot()
	assert.Empty(t, generated)
	assert.Empty(t, published)
}
