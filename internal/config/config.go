package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
	"github.com/joho/godotenv"

	"aibot/internal/storage"
)

const EnvPrefix = "AIBOT"

var DefaultFiles = []string{"./config.hcl", "./config.local.hcl"}

type Config struct {
	Environment string `hcl:"environment" env:"ENVIRONMENT" default:"local"`
	LogLevel    string `hcl:"log_level" env:"LOG_LEVEL" default:"info"`

	DatabaseDriver string `hcl:"database_driver" env:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string `hcl:"database_dsn" env:"DATABASE_DSN" default:"./aibot.db"`

	HTTPAddr string `hcl:"http_addr" env:"HTTP_ADDR" default:":8080"`

	CollectInterval  time.Duration `hcl:"collect_interval" env:"COLLECT_INTERVAL" default:"30m"`
	GenerateInterval time.Duration `hcl:"generate_interval" env:"GENERATE_INTERVAL" default:"5m"`
	PublishInterval  time.Duration `hcl:"publish_interval" env:"PUBLISH_INTERVAL" default:"5m"`

	Workers         int           `hcl:"workers" env:"WORKERS" default:"4"`
	PollInterval    time.Duration `hcl:"poll_interval" env:"POLL_INTERVAL" default:"1s"`
	JobTimeout      time.Duration `hcl:"job_timeout" env:"JOB_TIMEOUT" default:"5m"`
	JobVisibility   time.Duration `hcl:"job_visibility" env:"JOB_VISIBILITY" default:"10m"`
	JobMaxAttempts  int           `hcl:"job_max_attempts" env:"JOB_MAX_ATTEMPTS" default:"3"`
	GenerateWorkers int           `hcl:"generate_workers" env:"GENERATE_WORKERS" default:"4"`
	FlowThrough     bool          `hcl:"flow_through" env:"FLOW_THROUGH" default:"true"`

	FetchTimeout   time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"15s"`
	ChannelBaseURL string        `hcl:"channel_base_url" env:"CHANNEL_BASE_URL" default:"https://t.me"`
	ChannelLimit   int           `hcl:"channel_limit" env:"CHANNEL_LIMIT" default:"30"`

	OpenAIAPIKey      string        `hcl:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `hcl:"openai_base_url" env:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel       string        `hcl:"openai_model" env:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIProxy       string        `hcl:"openai_proxy" env:"OPENAI_PROXY"`
	OpenAITimeout     time.Duration `hcl:"openai_timeout" env:"OPENAI_TIMEOUT" default:"60s"`
	GenerateAttempts  int           `hcl:"generate_attempts" env:"GENERATE_ATTEMPTS" default:"5"`
	GenerateBackoff   time.Duration `hcl:"generate_backoff" env:"GENERATE_BACKOFF" default:"1500ms"`
	GenerateTimeout   time.Duration `hcl:"generate_timeout" env:"GENERATE_TIMEOUT" default:"4m"`
	PublishTimeout    time.Duration `hcl:"publish_timeout" env:"PUBLISH_TIMEOUT" default:"30s"`
	PublishDelay      time.Duration `hcl:"publish_delay" env:"PUBLISH_DELAY" default:"3s"`
	TelegramBotToken  string        `hcl:"telegram_bot_token" env:"TELEGRAM_BOT_TOKEN"`
	TelegramChannel   string        `hcl:"telegram_channel" env:"TELEGRAM_CHANNEL"`
	TelegramAdminIDs  []int64       `hcl:"telegram_admin_ids" env:"TELEGRAM_ADMIN_IDS"`
	TelegramBotEnable bool          `hcl:"telegram_bot_enable" env:"TELEGRAM_BOT_ENABLE" default:"false"`
}

// Load reads the optional .env file, then defaults, the config files and
// AIBOT_ environment variables, in that order of precedence.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if len(files) == 0 {
		files = DefaultFiles
	}

	var cfg Config

	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: EnvPrefix,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})

	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.DatabaseDriver {
	case storage.DriverPostgres, storage.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("database_driver must be %q or %q, got %q", storage.DriverPostgres, storage.DriverSQLite, c.DatabaseDriver))
	}

	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn is required"))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"collect_interval", c.CollectInterval},
		{"generate_interval", c.GenerateInterval},
		{"publish_interval", c.PublishInterval},
		{"poll_interval", c.PollInterval},
		{"job_timeout", c.JobTimeout},
		{"job_visibility", c.JobVisibility},
		{"generate_timeout", c.GenerateTimeout},
		{"publish_timeout", c.PublishTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}

	// A running job must finish before it turns visible again, and a stage
	// must time out while its job can still record the failure.
	if c.JobVisibility <= c.JobTimeout {
		errs = append(errs, errors.New("job_visibility must be greater than job_timeout"))
	}
	if c.JobTimeout <= c.GenerateTimeout {
		errs = append(errs, errors.New("job_timeout must be greater than generate_timeout"))
	}
	if c.JobTimeout <= c.PublishTimeout {
		errs = append(errs, errors.New("job_timeout must be greater than publish_timeout"))
	}

	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.GenerateWorkers < 1 {
		errs = append(errs, errors.New("generate_workers must be at least 1"))
	}
	if c.GenerateAttempts < 1 {
		errs = append(errs, errors.New("generate_attempts must be at least 1"))
	}
	if c.JobMaxAttempts < 1 {
		errs = append(errs, errors.New("job_max_attempts must be at least 1"))
	}

	if c.TelegramBotEnable && c.TelegramBotToken == "" {
		errs = append(errs, errors.New("telegram_bot_token is required when the admin bot is enabled"))
	}

	return errors.Join(errs...)
}
