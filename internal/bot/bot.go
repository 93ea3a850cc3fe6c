package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"aibot/internal/model"
	"aibot/internal/scheduler"
)

type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type ViewFunc func(ctx context.Context, api API, update tgbotapi.Update) error

type Bot struct {
	api      API
	admins   []int64
	cmdViews map[string]ViewFunc
	log      zerolog.Logger
}

// New returns a bot that answers only the given admin user ids.
func New(api API, admins []int64, log zerolog.Logger) *Bot {
	return &Bot{api: api, admins: admins, log: log}
}

func (b *Bot) RegisterCmdView(cmd string, view ViewFunc) {
	if b.cmdViews == nil {
		b.cmdViews = make(map[string]ViewFunc)
	}

	b.cmdViews[cmd] = view
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().Interface("panic", p).Msg("panic in view recovered")
		}
	}()

	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	command := update.Message.Command()

	view, ok := b.cmdViews[command]
	if !ok {
		return
	}

	if update.Message.From == nil || !lo.Contains(b.admins, update.Message.From.ID) {
		b.log.Warn().Str("command", command).Int64("chat_id", update.Message.Chat.ID).Msg("command from non-admin ignored")
		return
	}

	if err := view(ctx, b.api, update); err != nil {
		b.log.Error().Err(err).Str("command", command).Msg("execute view failed")

		if _, err := b.api.Send(tgbotapi.NewMessage(update.Message.Chat.ID, "Internal error")); err != nil {
			b.log.Error().Err(err).Msg("send error message failed")
		}
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}

			updateCtx, updateCancel := context.WithTimeout(ctx, time.Minute)
			b.handleUpdate(updateCtx, update)
			updateCancel()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func reply(api API, update tgbotapi.Update, text string) error {
	_, err := api.Send(tgbotapi.NewMessage(update.Message.Chat.ID, text))
	return err
}

func ViewCmdStart() ViewFunc {
	return func(ctx context.Context, api API, update tgbotapi.Update) error {
		return reply(api, update, "Commands: /collect, /generate, /publish, /status")
	}
}

type Trigger interface {
	Trigger(ctx context.Context, stage scheduler.Stage) (string, error)
}

// ViewCmdSweep queues a sweep of stage and answers with the task id.
func ViewCmdSweep(trigger Trigger, stage scheduler.Stage) ViewFunc {
	return func(ctx context.Context, api API, update tgbotapi.Update) error {
		id, err := trigger.Trigger(ctx, stage)
		if err != nil {
			return err
		}

		return reply(api, update, fmt.Sprintf("%s queued, task %s", stage, id))
	}
}

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.PostStatus]int, error)
}

func ViewCmdStatus(posts StatusCounter) ViewFunc {
	return func(ctx context.Context, api API, update tgbotapi.Update) error {
		counts, err := posts.CountByStatus(ctx)
		if err != nil {
			return err
		}

		var b strings.Builder
		for _, status := range []model.PostStatus{
			model.PostStatusNew, model.PostStatusGenerated, model.PostStatusPublished, model.PostStatusFailed,
		} {
			fmt.Fprintf(&b, "%s: %d\n", status, counts[status])
		}

		return reply(api, update, strings.TrimSpace(b.String()))
	}
}
