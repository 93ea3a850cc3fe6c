package main

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"aibot/internal/bot"
	"aibot/internal/httpapi"
	"aibot/internal/logging"
	"aibot/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler, the workers, the admin API and the admin bot",
	RunE:  runRun,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.db.Migrate(cmd.Context()); err != nil {
			return err
		}

		cmd.Println("schema is up to date")

		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:       "sweep <collect|generate|publish>",
	Short:     "Run one sweep synchronously and print its counters",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"collect", "generate", "publish"},
	RunE:      runSweep,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process every queued job and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), appOptions{needGenerator: true})
		if err != nil {
			return err
		}
		defer a.Close()

		return a.dispatcher.Drain(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd, migrateCmd, sweepCmd, drainCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	stage, err := scheduler.ParseStage(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	a, err := newApp(ctx, appOptions{needGenerator: stage == scheduler.StageGenerate})
	if err != nil {
		return err
	}
	defer a.Close()

	switch stage {
	case scheduler.StageCollect:
		stats, err := a.fetcher.FetchAll(ctx)
		if err != nil {
			return err
		}

		cmd.Printf("sources=%d failed=%d fetched=%d rejected=%d duplicates=%d created=%d errors=%d\n",
			stats.Sources, stats.Failed, stats.Fetched, stats.Rejected, stats.Duplicates, stats.Created, stats.Errors)
	case scheduler.StageGenerate, scheduler.StagePublish:
		sweep := a.processor.GenerateAll
		if stage == scheduler.StagePublish {
			sweep = a.processor.PublishAll
		}

		stats, err := sweep(ctx)
		if err != nil {
			return err
		}

		cmd.Printf("total=%d done=%d skipped=%d failed=%d\n", stats.Total, stats.Done, stats.Skipped, stats.Failed)
	}

	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, appOptions{needGenerator: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}

	api := httpapi.New(a.sources, a.keywords, a.articles, a.posts, a.scheduler, logging.Component(a.log, "httpapi"))

	services := map[string]func(context.Context) error{
		"scheduler":  a.scheduler.Run,
		"dispatcher": a.dispatcher.Run,
		"http api": func(ctx context.Context) error {
			return api.Serve(ctx, a.cfg.HTTPAddr)
		},
	}

	if a.cfg.TelegramBotEnable {
		botAPI, err := tgbotapi.NewBotAPI(a.cfg.TelegramBotToken)
		if err != nil {
			return err
		}

		adminBot := bot.New(botAPI, a.cfg.TelegramAdminIDs, logging.Component(a.log, "bot"))
		adminBot.RegisterCmdView("start", bot.ViewCmdStart())
		adminBot.RegisterCmdView("collect", bot.ViewCmdSweep(a.scheduler, scheduler.StageCollect))
		adminBot.RegisterCmdView("generate", bot.ViewCmdSweep(a.scheduler, scheduler.StageGenerate))
		adminBot.RegisterCmdView("publish", bot.ViewCmdSweep(a.scheduler, scheduler.StagePublish))
		adminBot.RegisterCmdView("status", bot.ViewCmdStatus(a.posts))

		services["bot"] = adminBot.Run
	}

	errc := make(chan error, len(services))

	for name, run := range services {
		go func(name string, run func(context.Context) error) {
			err := run(ctx)

			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Str("service", name).Msg("service failed")
				errc <- err
				return
			}

			a.log.Info().Str("service", name).Msg("service has stopped")
			errc <- nil
		}(name, run)
	}

	// the first failure stops everything
	var firstErr error
	for range services {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	return firstErr
}
