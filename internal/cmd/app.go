package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"aibot/internal/config"
	"aibot/internal/fetcher"
	"aibot/internal/generator"
	"aibot/internal/logging"
	"aibot/internal/model"
	"aibot/internal/notifier"
	"aibot/internal/processor"
	"aibot/internal/queue"
	"aibot/internal/scheduler"
	"aibot/internal/source"
	"aibot/internal/storage"
)

// app holds the wired components shared by every command.
type app struct {
	cfg config.Config
	log zerolog.Logger
	db  *storage.DB

	sources  *storage.SourceStorage
	keywords *storage.KeywordStorage
	articles *storage.ArticleStorage
	posts    *storage.PostStorage
	queue    *queue.Queue

	fetcher    *fetcher.Fetcher
	processor  *processor.Processor
	scheduler  *scheduler.Scheduler
	dispatcher *scheduler.Dispatcher
}

type appOptions struct {
	// needGenerator fails startup when no generation api key is configured.
	needGenerator bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		sources:  storage.NewSourceStorage(db),
		keywords: storage.NewKeywordStorage(db),
		articles: storage.NewArticleStorage(db),
		posts:    storage.NewPostStorage(db),
		queue: queue.New(db, queue.Options{
			Visibility:  cfg.JobVisibility,
			MaxAttempts: cfg.JobMaxAttempts,
		}),
	}

	a.fetcher = fetcher.New(a.articles, a.sources, a.keywords, source.Options{
		HTTPClient:     &http.Client{Timeout: cfg.FetchTimeout},
		ChannelBaseURL: cfg.ChannelBaseURL,
		ChannelLimit:   cfg.ChannelLimit,
	}, logging.Component(log, "fetcher"))

	gen, err := a.generator(opts.needGenerator)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var dial notifier.DialFunc = notifier.BotDialer(cfg.TelegramBotToken)
	if cfg.TelegramBotToken == "" {
		dial = func() (notifier.Sender, error) {
			return nil, errors.New("telegram_bot_token is not configured")
		}
	}

	pub := notifier.New(dial, cfg.TelegramChannel, cfg.PublishDelay, logging.Component(log, "notifier"))
	if pub.DryRun() {
		log.Warn().Msg("telegram_channel is empty, posts will only be logged")
	}

	a.processor = processor.New(a.posts, gen, pub, processor.Options{
		GenerateTimeout: cfg.GenerateTimeout,
		PublishTimeout:  cfg.PublishTimeout,
		Parallelism:     cfg.GenerateWorkers,
	}, logging.Component(log, "processor"))

	a.scheduler = scheduler.New(a.queue, a.sources, a.posts, scheduler.Intervals{
		Collect:  cfg.CollectInterval,
		Generate: cfg.GenerateInterval,
		Publish:  cfg.PublishInterval,
	}, logging.Component(log, "scheduler"))

	dispatcherOpts := scheduler.DispatcherOptions{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
	}
	if cfg.FlowThrough {
		dispatcherOpts.FlowThrough = a.posts
	}

	a.dispatcher = scheduler.NewDispatcher(a.queue, a.scheduler, a.fetcher, a.processor, dispatcherOpts, logging.Component(log, "dispatcher"))

	return a, nil
}

func (a *app) generator(required bool) (processor.Generator, error) {
	if a.cfg.OpenAIAPIKey == "" {
		if required {
			return nil, errors.New("openai_api_key is required")
		}

		return unconfiguredGenerator{}, nil
	}

	return generator.New(generator.Config{
		APIKey:      a.cfg.OpenAIAPIKey,
		BaseURL:     a.cfg.OpenAIBaseURL,
		Model:       a.cfg.OpenAIModel,
		Proxy:       a.cfg.OpenAIProxy,
		Timeout:     a.cfg.OpenAITimeout,
		MaxAttempts: a.cfg.GenerateAttempts,
		BackoffStep: a.cfg.GenerateBackoff,
	}, logging.Component(a.log, "generator"))
}

func (a *app) Close() error {
	return a.db.Close()
}

// unconfiguredGenerator stands in for commands that never generate.
type unconfiguredGenerator struct{}

func (unconfiguredGenerator) Generate(context.Context, model.Article) (string, error) {
	return "", errors.New("generation is not configured")
}
