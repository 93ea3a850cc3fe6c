package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// DialFunc opens a new connection to the bot API.
type DialFunc func() (Sender, error)

func BotDialer(token string) DialFunc {
	return func() (Sender, error) {
		return tgbotapi.NewBotAPI(token)
	}
}

// Notifier posts messages to one channel. It owns a single bot handle that is
// created on the first send and dropped when the connection breaks, so the
// following send dials again. Sends are serialized and spaced by the
// configured delay.
type Notifier struct {
	mu      sync.Mutex
	dial    DialFunc
	sender  Sender
	channel string
	limiter *rate.Limiter
	log     zerolog.Logger
}

func New(dial DialFunc, channel string, delay time.Duration, log zerolog.Logger) *Notifier {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	return &Notifier{
		dial:    dial,
		channel: strings.TrimSpace(channel),
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// DryRun reports whether messages are only logged.
func (n *Notifier) DryRun() bool {
	return n.channel == ""
}

func (n *Notifier) Publish(ctx context.Context, text string) error {
	if n.DryRun() {
		n.log.Info().Str("text", text).Msg("dry run, no target channel configured")
		return nil
	}

	msg, err := n.message(text)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	if n.sender == nil {
		sender, err := n.dial()

		if err != nil {
			return fmt.Errorf("connect to telegram: %w", err)
		}

		n.sender = sender
	}

	sent, err := n.sender.Send(msg)

	if err != nil {
		if dropConnection(err) {
			n.sender = nil
		}

		return fmt.Errorf("send to %s: %w", n.channel, err)
	}

	n.log.Debug().Int("message_id", sent.MessageID).Str("channel", n.channel).Msg("message sent")

	return nil
}

func (n *Notifier) message(text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(n.channel, "@") {
		return tgbotapi.NewMessageToChannel(n.channel, text), nil
	}

	chatID, err := strconv.ParseInt(n.channel, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("invalid channel %q: expected @username or chat id", n.channel)
	}

	return tgbotapi.NewMessage(chatID, text), nil
}

// dropConnection reports whether err means the handle is no longer usable:
// anything below the API level, or a rejected token.
func dropConnection(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return true
	}

	return apiErr.Code == 401
}
