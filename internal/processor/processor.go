// Package processor moves posts through new -> generated -> published.
//
// Every step is a conditional update on the current status, so a post only
// ever moves forward and a step that finds the post elsewhere does nothing.
// Failures are written to the post and end its processing.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"aibot/internal/model"
)

var (
	// ErrSkipped is returned when the post is not in the status a step
	// starts from. It is not a failure.
	ErrSkipped = errors.New("post is not in the expected status")

	ErrEmptyText = errors.New("generated text is empty")
)

type PostStorage interface {
	IDsByStatus(ctx context.Context, status model.PostStatus) ([]int64, error)
	WithArticle(ctx context.Context, id int64) (model.Post, model.Article, error)
	MarkGenerated(ctx context.Context, id int64, text string) (bool, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, from model.PostStatus, msg string) (bool, error)
}

type Generator interface {
	Generate(ctx context.Context, article model.Article) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, text string) error
}

type Options struct {
	GenerateTimeout time.Duration
	PublishTimeout  time.Duration
	// Parallelism bounds concurrent generations in GenerateAll.
	Parallelism int
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 2 * time.Minute
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 30 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type SweepStats struct {
	Total   int
	Done    int
	Skipped int
	Failed  int
}

func (s SweepStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int("total", s.Total).Int("done", s.Done).Int("skipped", s.Skipped).Int("failed", s.Failed)
}

func (s *SweepStats) count(err error) {
	switch {
	case err == nil:
		s.Done++
	case errors.Is(err, ErrSkipped):
		s.Skipped++
	default:
		s.Failed++
	}
}

type Processor struct {
	posts     PostStorage
	generator Generator
	publisher Publisher
	opts      Options
	log       zerolog.Logger
}

func New(posts PostStorage, generator Generator, publisher Publisher, opts Options, log zerolog.Logger) *Processor {
	opts.defaults()

	return &Processor{
		posts:     posts,
		generator: generator,
		publisher: publisher,
		opts:      opts,
		log:       log,
	}
}

// Generate writes the post text for a new post.
func (p *Processor) Generate(ctx context.Context, postID int64) error {
	post, article, err := p.posts.WithArticle(ctx, postID)
	if err != nil {
		return fmt.Errorf("load post %d: %w", postID, err)
	}

	if post.Status != model.PostStatusNew {
		return ErrSkipped
	}

	genCtx, cancel := context.WithTimeout(ctx, p.opts.GenerateTimeout)
	text, err := p.generator.Generate(genCtx, article)
	cancel()

	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyText
	}

	if err != nil {
		return p.fail(ctx, post.ID, model.PostStatusNew, fmt.Errorf("generate post %d: %w", post.ID, err))
	}

	ok, err := p.posts.MarkGenerated(ctx, post.ID, strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("save generated post %d: %w", post.ID, err)
	}

	if !ok {
		return ErrSkipped
	}

	p.log.Info().Int64("post_id", post.ID).Int64("news_id", article.ID).Msg("post generated")

	return nil
}

// Publish sends a generated post to the channel.
func (p *Processor) Publish(ctx context.Context, postID int64) error {
	post, _, err := p.posts.WithArticle(ctx, postID)
	if err != nil {
		return fmt.Errorf("load post %d: %w", postID, err)
	}

	if post.Status != model.PostStatusGenerated {
		return ErrSkipped
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
	err = p.publisher.Publish(pubCtx, post.GeneratedText)
	cancel()

	if err != nil {
		return p.fail(ctx, post.ID, model.PostStatusGenerated, fmt.Errorf("publish post %d: %w", post.ID, err))
	}

	ok, err := p.posts.MarkPublished(ctx, post.ID, p.opts.Now().UTC())
	if err != nil {
		return fmt.Errorf("save published post %d: %w", post.ID, err)
	}

	if !ok {
		return ErrSkipped
	}

	p.log.Info().Int64("post_id", post.ID).Msg("post published")

	return nil
}

func (p *Processor) fail(ctx context.Context, postID int64, from model.PostStatus, cause error) error {
	if _, err := p.posts.MarkFailed(ctx, postID, from, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("mark post %d failed: %w", postID, err))
	}

	p.log.Warn().Err(cause).Int64("post_id", postID).Msg("post failed")

	return cause
}

// GenerateAll runs Generate for every new post, a few at a time.
func (p *Processor) GenerateAll(ctx context.Context) (SweepStats, error) {
	ids, err := p.posts.IDsByStatus(ctx, model.PostStatusNew)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list new posts: %w", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		stats = SweepStats{Total: len(ids)}
		sem   = make(chan struct{}, p.opts.Parallelism)
	)

	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)

		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			err := p.Generate(ctx, id)

			mu.Lock()
			stats.count(err)
			mu.Unlock()
		}(id)
	}

	wg.Wait()

	p.log.Info().EmbedObject(stats).Msg("generate sweep finished")

	return stats, nil
}

// PublishAll publishes generated posts one after another, oldest first.
func (p *Processor) PublishAll(ctx context.Context) (SweepStats, error) {
	ids, err := p.posts.IDsByStatus(ctx, model.PostStatusGenerated)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list generated posts: %w", err)
	}

	stats := SweepStats{Total: len(ids)}

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		stats.count(p.Publish(ctx, id))
	}

	p.log.Info().EmbedObject(stats).Msg("publish sweep finished")

	return stats, nil
}
