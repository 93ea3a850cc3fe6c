// Package scheduler turns timer ticks and manual triggers into queued jobs and
// runs those jobs on a worker pool.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"aibot/internal/model"
	"aibot/internal/queue"
)

type Stage string

const (
	StageCollect  Stage = "collect"
	StageGenerate Stage = "generate"
	StagePublish  Stage = "publish"
)

var Stages = []Stage{StageCollect, StageGenerate, StagePublish}

func ParseStage(s string) (Stage, error) {
	for _, stage := range Stages {
		if string(stage) == s {
			return stage, nil
		}
	}

	return "", fmt.Errorf("unknown stage %q, expected collect, generate or publish", s)
}

// Job kinds. Unit kinds carry a source or post id, sweep kinds carry 0.
const (
	KindCollect       = "collect"
	KindGenerate      = "generate"
	KindPublish       = "publish"
	KindSweepCollect  = "sweep.collect"
	KindSweepGenerate = "sweep.generate"
	KindSweepPublish  = "sweep.publish"
)

func sweepKind(stage Stage) string {
	return "sweep." + string(stage)
}

type Queue interface {
	Enqueue(ctx context.Context, queue, kind string, refID int64) (string, bool, error)
	Claim(ctx context.Context, queue string) (*queue.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, msg string) error
	Get(ctx context.Context, id string) (queue.Job, error)
}

type SourceList interface {
	EnabledSources(ctx context.Context) ([]model.Source, error)
}

type PostList interface {
	IDsByStatus(ctx context.Context, status model.PostStatus) ([]int64, error)
}

type Intervals struct {
	Collect  time.Duration
	Generate time.Duration
	Publish  time.Duration
}

type Scheduler struct {
	queue     Queue
	sources   SourceList
	posts     PostList
	intervals Intervals
	log       zerolog.Logger
}

func New(q Queue, sources SourceList, posts PostList, intervals Intervals, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:     q,
		sources:   sources,
		posts:     posts,
		intervals: intervals,
		log:       log,
	}
}

// Run plans each stage on its own ticker until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	collect := time.NewTicker(s.intervals.Collect)
	defer collect.Stop()

	generate := time.NewTicker(s.intervals.Generate)
	defer generate.Stop()

	publish := time.NewTicker(s.intervals.Publish)
	defer publish.Stop()

	s.log.Info().
		Dur("collect", s.intervals.Collect).
		Dur("generate", s.intervals.Generate).
		Dur("publish", s.intervals.Publish).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-collect.C:
			s.tick(ctx, StageCollect)
		case <-generate.C:
			s.tick(ctx, StageGenerate)
		case <-publish.C:
			s.tick(ctx, StagePublish)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, stage Stage) {
	n, err := s.Plan(ctx, stage)

	if err != nil {
		s.log.Error().Err(err).Str("stage", string(stage)).Msg("plan failed")
		return
	}

	if n > 0 {
		s.log.Info().Str("stage", string(stage)).Int("jobs", n).Msg("jobs planned")
	}
}

// Plan enqueues one job per actionable unit of stage and returns how many new
// jobs were created. Units that already have a pending job are not queued
// twice.
func (s *Scheduler) Plan(ctx context.Context, stage Stage) (int, error) {
	var (
		name = queue.Default
		kind string
		ids  []int64
		err  error
	)

	switch stage {
	case StageCollect:
		kind = KindCollect
		ids, err = s.enabledSourceIDs(ctx)
	case StageGenerate:
		kind = KindGenerate
		ids, err = s.posts.IDsByStatus(ctx, model.PostStatusNew)
	case StagePublish:
		name = queue.Publish
		kind = KindPublish
		ids, err = s.posts.IDsByStatus(ctx, model.PostStatusGenerated)
	default:
		return 0, fmt.Errorf("unknown stage %q", stage)
	}

	if err != nil {
		return 0, fmt.Errorf("plan %s: %w", stage, err)
	}

	created := 0

	for _, id := range ids {
		_, ok, err := s.queue.Enqueue(ctx, name, kind, id)
		if err != nil {
			return created, err
		}

		if ok {
			created++
		}
	}

	return created, nil
}

func (s *Scheduler) enabledSourceIDs(ctx context.Context) ([]int64, error) {
	sources, err := s.sources.EnabledSources(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Map(sources, func(src model.Source, _ int) int64 { return src.ID }), nil
}

// Trigger queues a sweep of stage and returns the job id as a task handle.
func (s *Scheduler) Trigger(ctx context.Context, stage Stage) (string, error) {
	if _, err := ParseStage(string(stage)); err != nil {
		return "", err
	}

	id, _, err := s.queue.Enqueue(ctx, queue.Default, sweepKind(stage), 0)
	if err != nil {
		return "", fmt.Errorf("trigger %s: %w", stage, err)
	}

	s.log.Info().Str("stage", string(stage)).Str("job_id", id).Msg("sweep triggered")

	return id, nil
}

// Task returns the job behind a handle returned by Trigger.
func (s *Scheduler) Task(ctx context.Context, id string) (queue.Job, error) {
	return s.queue.Get(ctx, id)
}
