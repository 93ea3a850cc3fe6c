package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"aibot/internal/model"
)

var ErrUnknownKind = errors.New("unknown source kind")

// Fetcher produces normalized candidates for one source. It never persists.
type Fetcher interface {
	ID() int64
	Name() string

	Fetch(ctx context.Context) ([]model.Item, error)
}

type Options struct {
	HTTPClient *http.Client
	// ChannelBaseURL is the host serving public channel previews.
	ChannelBaseURL string
	// ChannelLimit caps how many of the newest channel messages are read.
	ChannelLimit int
	Now          func() time.Time
}

const (
	defaultChannelBaseURL = "https://t.me"
	defaultChannelLimit   = 30
	defaultFetchTimeout   = 10 * time.Second
)

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	if o.ChannelBaseURL == "" {
		o.ChannelBaseURL = defaultChannelBaseURL
	}
	if o.ChannelLimit <= 0 {
		o.ChannelLimit = defaultChannelLimit
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// New returns the fetcher implementation for the kind of m.
func New(m model.Source, opts Options) (Fetcher, error) {
	opts.defaults()

	switch m.Kind {
	case model.SourceKindSite:
		return NewRSSSourceFromModel(m, opts), nil
	case model.SourceKindChannel:
		return NewChannelSourceFromModel(m, opts)
	default:
		return nil, fmt.Errorf("source %d: %w %q", m.ID, ErrUnknownKind, m.Kind)
	}
}
