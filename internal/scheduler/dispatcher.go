package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aibot/internal/fetcher"
	"aibot/internal/model"
	"aibot/internal/processor"
	"aibot/internal/queue"
)

type Collector interface {
	FetchSource(ctx context.Context, sourceID int64) (fetcher.Stats, error)
}

type Processor interface {
	Generate(ctx context.Context, postID int64) error
	Publish(ctx context.Context, postID int64) error
}

type Planner interface {
	Plan(ctx context.Context, stage Stage) (int, error)
}

type PostResolver interface {
	ByNewsID(ctx context.Context, newsID int64) (model.Post, error)
}

type DispatcherOptions struct {
	// Workers consume the default queue. The publish queue always has one.
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// FlowThrough, when set, makes a collect job queue generation of the
	// posts it created and a generate job queue its publish.
	FlowThrough PostResolver
}

func (o *DispatcherOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
}

type Dispatcher struct {
	queue     Queue
	planner   Planner
	collector Collector
	processor Processor
	opts      DispatcherOptions
	log       zerolog.Logger
}

func NewDispatcher(q Queue, planner Planner, collector Collector, processor Processor, opts DispatcherOptions, log zerolog.Logger) *Dispatcher {
	opts.defaults()

	return &Dispatcher{
		queue:     q,
		planner:   planner,
		collector: collector,
		processor: processor,
		opts:      opts,
		log:       log,
	}
}

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current job.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	start := func(name string, n int) {
		for i := 0; i < n; i++ {
			wg.Add(1)

			go func(worker int) {
				defer wg.Done()
				d.work(ctx, name, worker)
			}(i)
		}
	}

	start(queue.Default, d.opts.Workers)
	start(queue.Publish, 1)

	d.log.Info().Int("workers", d.opts.Workers).Msg("dispatcher started")

	wg.Wait()

	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, name string, worker int) {
	log := d.log.With().Str("queue", name).Int("worker", worker).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := d.queue.Claim(ctx, name)

		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("claim failed")
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.PollInterval):
			}

			continue
		}

		d.handle(ctx, job)
	}
}

// Drain runs every visible job, including the ones queued by sweeps it runs,
// and returns when both queues are empty.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		handled := 0

		for _, name := range []string{queue.Default, queue.Publish} {
			for {
				job, err := d.queue.Claim(ctx, name)
				if err != nil {
					return err
				}

				if job == nil {
					break
				}

				d.handle(ctx, job)
				handled++
			}
		}

		if handled == 0 {
			return ctx.Err()
		}
	}
}

// handle runs job and records the outcome. It never panics.
func (d *Dispatcher) handle(ctx context.Context, job *queue.Job) {
	log := d.log.With().Str("job_id", job.ID).Str("kind", job.Kind).Int64("ref_id", job.RefID).Logger()

	err := d.run(ctx, job)

	// bookkeeping survives shutdown
	ctx = context.WithoutCancel(ctx)

	if err == nil || errors.Is(err, processor.ErrSkipped) {
		if err := d.queue.Complete(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("complete job failed")
		}

		return
	}

	log.Warn().Err(err).Int("attempt", job.Attempts).Msg("job failed")

	if err := d.queue.Fail(ctx, job.ID, err.Error()); err != nil {
		log.Error().Err(err).Msg("fail job failed")
	}
}

func (d *Dispatcher) run(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v", job.Kind, p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.opts.JobTimeout)
	defer cancel()

	switch job.Kind {
	case KindCollect:
		var stats fetcher.Stats
		stats, err = d.collector.FetchSource(ctx, job.RefID)
		if err == nil {
			d.followCollect(ctx, stats.CreatedIDs)
		}
	case KindGenerate:
		err = d.processor.Generate(ctx, job.RefID)
		if err == nil {
			d.follow(ctx, queue.Publish, KindPublish, job.RefID)
		}
	case KindPublish:
		err = d.processor.Publish(ctx, job.RefID)
	case KindSweepCollect:
		_, err = d.planner.Plan(ctx, StageCollect)
	case KindSweepGenerate:
		_, err = d.planner.Plan(ctx, StageGenerate)
	case KindSweepPublish:
		_, err = d.planner.Plan(ctx, StagePublish)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	return err
}

func (d *Dispatcher) followCollect(ctx context.Context, newsIDs []int64) {
	if d.opts.FlowThrough == nil {
		return
	}

	for _, newsID := range newsIDs {
		post, err := d.opts.FlowThrough.ByNewsID(ctx, newsID)
		if err != nil {
			d.log.Warn().Err(err).Int64("news_id", newsID).Msg("resolve post failed")
			continue
		}

		d.follow(ctx, queue.Default, KindGenerate, post.ID)
	}
}

// follow queues the next stage of a unit. A miss is left to the next sweep.
func (d *Dispatcher) follow(ctx context.Context, name, kind string, postID int64) {
	if d.opts.FlowThrough == nil {
		return
	}

	if _, _, err := d.queue.Enqueue(ctx, name, kind, postID); err != nil {
		d.log.Warn().Err(err).Str("kind", kind).Int64("post_id", postID).Msg("queue next stage failed")
	}
}
