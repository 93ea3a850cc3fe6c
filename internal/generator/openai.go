// Package generator writes post text for an article through an
// OpenAI-compatible chat completions API.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"aibot/internal/model"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTimeout     = 60 * time.Second
	DefaultMaxAttempts = 5
	DefaultBackoffStep = 1500 * time.Millisecond
	DefaultTemperature = 0.8
)

var ErrEmptyResponse = errors.New("generation returned no text")

const systemPrompt = "Ты редактор новостного Telegram-канала. Пиши ярко, кратко, без воды."

var userPrompt = template.Must(template.New("post").Parse(`Напиши короткий пост для Telegram на русском языке:
- 1-2 абзаца, всего 300-700 символов
- 2-4 уместных emoji
- в конце призыв к обсуждению
- если есть ссылка, поставь ее последней строкой

Заголовок: {{.Title}}
Сводка: {{.Summary}}
Источник: {{.SourceName}}
Ссылка: {{.Link}}
`))

// APIError is a non-2xx answer of the completions endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the request may succeed when repeated.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Proxy       string
	Timeout     time.Duration
	MaxAttempts int
	BackoffStep time.Duration
	Temperature float64
}

type OpenAI struct {
	client *http.Client
	cfg    Config
	log    zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log zerolog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.Proxy != "" {
		proxy, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("openai: parse proxy url: %w", err)
		}

		transport.Proxy = http.ProxyURL(proxy)
	}

	log.Info().Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("openai client created")

	return &OpenAI{
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cfg:    cfg,
		log:    log,
		sleep:  sleepContext,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate returns the post text for article. Rate limits, server errors and
// network failures are retried with a linearly growing pause; any other error
// is returned at once.
func (g *OpenAI) Generate(ctx context.Context, article model.Article) (string, error) {
	prompt, err := Prompt(article)
	if err != nil {
		return "", err
	}

	req := chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: g.cfg.Temperature,
	}

	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		text, err := g.complete(ctx, req)
		if err == nil {
			return text, nil
		}

		if !transient(ctx, err) {
			return "", err
		}

		lastErr = err

		g.log.Warn().Err(err).
			Int64("news_id", article.ID).
			Int("attempt", attempt).
			Int("max_attempts", g.cfg.MaxAttempts).
			Msg("openai request failed")

		if attempt == g.cfg.MaxAttempts {
			break
		}

		if err := g.sleep(ctx, g.cfg.BackoffStep*time.Duration(attempt)); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("openai failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

func (g *OpenAI) complete(ctx context.Context, body chatRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}

		return "", &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}

	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	return text, nil
}

// Prompt renders the user message for article.
func Prompt(article model.Article) (string, error) {
	var b strings.Builder

	if err := userPrompt.Execute(&b, article); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	return b.String(), nil
}

func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
