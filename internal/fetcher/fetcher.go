package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"aibot/internal/filter"
	"aibot/internal/model"
	"aibot/internal/source"
)

type ArticleStorage interface {
	Ingest(ctx context.Context, item model.Item) (id int64, created bool, err error)
}

type SourceList interface {
	EnabledSources(ctx context.Context) ([]model.Source, error)
	SourceByID(ctx context.Context, id int64) (model.Source, error)
}

type KeywordList interface {
	Keywords(ctx context.Context) ([]model.Keyword, error)
}

// Stats counts what happened to the candidates of one collect run.
type Stats struct {
	Sources    int
	Failed     int // sources that could not be fetched
	Fetched    int
	Rejected   int
	Duplicates int
	Created    int
	Errors     int // candidates that could not be stored
	CreatedIDs []int64
}

func (s *Stats) add(o Stats) {
	s.Sources += o.Sources
	s.Failed += o.Failed
	s.Fetched += o.Fetched
	s.Rejected += o.Rejected
	s.Duplicates += o.Duplicates
	s.Created += o.Created
	s.Errors += o.Errors
	s.CreatedIDs = append(s.CreatedIDs, o.CreatedIDs...)
}

func (s Stats) MarshalZerologObject(e *zerolog.Event) {
	e.Int("sources", s.Sources).
		Int("failed", s.Failed).
		Int("fetched", s.Fetched).
		Int("rejected", s.Rejected).
		Int("duplicates", s.Duplicates).
		Int("created", s.Created).
		Int("errors", s.Errors)
}

type Fetcher struct {
	articles ArticleStorage
	sources  SourceList
	keywords KeywordList

	opts source.Options
	log  zerolog.Logger
}

func New(articles ArticleStorage, sources SourceList, keywords KeywordList, opts source.Options, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		articles: articles,
		sources:  sources,
		keywords: keywords,
		opts:     opts,
		log:      log,
	}
}

// FetchAll collects every enabled source concurrently. A failing source is
// logged and counted; it does not stop the others.
func (f *Fetcher) FetchAll(ctx context.Context) (Stats, error) {
	sources, err := f.sources.EnabledSources(ctx)

	if err != nil {
		return Stats{}, fmt.Errorf("list enabled sources: %w", err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Stats
	)

	for _, src := range sources {
		wg.Add(1)

		go func(src model.Source) {
			defer wg.Done()

			stats, err := f.collect(ctx, src)

			if err != nil {
				f.log.Error().Err(err).Int64("source_id", src.ID).Str("source", src.Name).Msg("fetch failed")
			}

			mu.Lock()
			total.add(stats)
			mu.Unlock()
		}(src)
	}

	wg.Wait()

	f.log.Info().EmbedObject(total).Msg("collect finished")

	return total, nil
}

// FetchSource collects a single source. Disabled sources are skipped.
func (f *Fetcher) FetchSource(ctx context.Context, sourceID int64) (Stats, error) {
	src, err := f.sources.SourceByID(ctx, sourceID)

	if err != nil {
		return Stats{}, fmt.Errorf("load source %d: %w", sourceID, err)
	}

	if !src.Enabled {
		f.log.Debug().Int64("source_id", src.ID).Msg("source disabled, skipped")
		return Stats{}, nil
	}

	stats, err := f.collect(ctx, src)
	if err != nil {
		return stats, err
	}

	f.log.Info().Int64("source_id", src.ID).EmbedObject(stats).Msg("source collected")

	return stats, nil
}

func (f *Fetcher) collect(ctx context.Context, src model.Source) (Stats, error) {
	stats := Stats{Sources: 1}

	fetcher, err := source.New(src, f.opts)
	if err != nil {
		stats.Failed++
		return stats, err
	}

	keywords, err := f.keywords.Keywords(ctx)
	if err != nil {
		stats.Failed++
		return stats, fmt.Errorf("load keywords: %w", err)
	}

	gate := filter.New(keywords)

	items, err := fetcher.Fetch(ctx)
	if err != nil {
		stats.Failed++
		return stats, fmt.Errorf("fetch %s: %w", src.Name, err)
	}

	f.processItems(ctx, fetcher, gate, items, &stats)

	return stats, nil
}

func (f *Fetcher) processItems(ctx context.Context, src source.Fetcher, gate filter.Gate, items []model.Item, stats *Stats) {
	for _, item := range items {
		stats.Fetched++

		if !gate.Allows(item) {
			stats.Rejected++
			continue
		}

		id, created, err := f.articles.Ingest(ctx, item)

		if err != nil {
			stats.Errors++
			f.log.Warn().Err(err).Int64("source_id", src.ID()).Str("link", item.Link).Msg("store item failed")
			continue
		}

		if !created {
			stats.Duplicates++
			continue
		}

		stats.Created++
		stats.CreatedIDs = append(stats.CreatedIDs, id)
	}
}
