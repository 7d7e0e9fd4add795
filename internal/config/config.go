package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	logx "upscalerbot/pkg/logx"
)

// Config is the full process configuration, read from the environment.
type Config struct {
	Telegram TelegramConfig
	Storage  StorageConfig
	Upscale  UpscaleConfig
	HTTP     HTTPConfig
	Report   ReportConfig

	// Runtime holds the hot-reloadable knobs. Values here are the env baseline;
	// the optional RuntimeFile overlays them.
	Runtime     RuntimeConfig
	RuntimeFile string `env:"RUNTIME_CONFIG"`
}

type TelegramConfig struct {
	Token     string `env:"BOT_TOKEN"`
	WebAppURL string `env:"WEBAPP_URL" envDefault:"https://godvargo.github.io/upscale-photo-webapp/"`
	// AdminID is the operator account. 0 means no operator is configured.
	AdminID        int64         `env:"ADMIN_ID"                 envDefault:"0"`
	PollTimeout    time.Duration `env:"TELEGRAM_POLL_TIMEOUT"    envDefault:"10s"`
	RequestTimeout time.Duration `env:"TELEGRAM_REQUEST_TIMEOUT" envDefault:"15s"`
}

type StorageConfig struct {
	DSN string `env:"DATABASE_URL"`
	// Driver forces "postgres" or "sqlite"; empty infers it from DSN.
	Driver       string        `env:"STORAGE_DRIVER"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS"    envDefault:"10"`
	ConnLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	PingTimeout  time.Duration `env:"DB_PING_TIMEOUT"      envDefault:"10s"`
}

type UpscaleConfig struct {
	APIKey   string        `env:"DEEPAI_API_KEY"`
	Endpoint string        `env:"UPSCALE_URL"     envDefault:"https://api.deepai.org/api/waifu2x"`
	Timeout  time.Duration `env:"UPSCALE_TIMEOUT" envDefault:"60s"`
}

type HTTPConfig struct {
	Port           int           `env:"PORT"             envDefault:"8080"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"20971520"`
	ShutdownGrace  time.Duration `env:"HTTP_SHUTDOWN_GRACE" envDefault:"5s"`
}

type ReportConfig struct {
	// Schedule is a standard 5-field cron expression; empty disables the digest.
	Schedule string `env:"REPORT_SCHEDULE"`
	Timezone string `env:"REPORT_TZ"`
}

// Addr is the HTTP listen address.
func (h HTTPConfig) Addr() string { return fmt.Sprintf(":%d", h.Port) }

// Validate rejects configs the process cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("DATABASE_URL is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "postgres", "pgx", "sqlite":
	default:
		return fmt.Errorf("STORAGE_DRIVER: unknown driver %q", c.Storage.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("PORT: out of range: %d", c.HTTP.Port)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if u, err := url.Parse(c.Telegram.WebAppURL); err != nil || u.Scheme != "https" {
		return fmt.Errorf("WEBAPP_URL: must be an https URL: %q", c.Telegram.WebAppURL)
	}
	if _, err := url.ParseRequestURI(c.Upscale.Endpoint); err != nil {
		return fmt.Errorf("UPSCALE_URL: %w", err)
	}
	if c.Upscale.Timeout <= 0 {
		return errors.New("UPSCALE_TIMEOUT must be > 0")
	}
	if c.Telegram.RequestTimeout <= 0 {
		return errors.New("TELEGRAM_REQUEST_TIMEOUT must be > 0")
	}
	if tz := strings.TrimSpace(c.Report.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("REPORT_TZ: invalid %q: %w", tz, err)
		}
	}
	return c.Runtime.Validate()
}

// RuntimeConfig holds settings that can change while the process runs.
type RuntimeConfig struct {
	Logging   LoggingConfig   `json:"logging"`
	Broadcast BroadcastConfig `json:"broadcast"`
}

type LoggingConfig struct {
	Level            string `json:"level"              env:"LOG_LEVEL"              envDefault:"info"`
	Console          bool   `json:"console"            env:"LOG_CONSOLE"            envDefault:"true"`
	File             string `json:"file"               env:"LOG_FILE"`
	Telegram         bool   `json:"telegram"           env:"LOG_TELEGRAM"           envDefault:"false"`
	TelegramMinLevel string `json:"telegram_min_level" env:"LOG_TELEGRAM_MIN_LEVEL" envDefault:"warn"`
	TelegramRate     int    `json:"telegram_rate"      env:"LOG_TELEGRAM_RATE"      envDefault:"1"`
}

type BroadcastConfig struct {
	// Delay is a Go duration string; it can be raised but never disabled.
	Delay         string `json:"delay"          env:"BROADCAST_DELAY"          envDefault:"50ms"`
	ProgressEvery int    `json:"progress_every" env:"BROADCAST_PROGRESS_EVERY" envDefault:"20"`
}

const DefaultBroadcastDelay = 50 * time.Millisecond

// Pacing returns the delay between two delivery attempts. An empty, zero or
// invalid value falls back to DefaultBroadcastDelay.
func (b BroadcastConfig) Pacing() time.Duration {
	d, err := b.delay()
	if err != nil || d <= 0 {
		return DefaultBroadcastDelay
	}
	return d
}

func (b BroadcastConfig) delay() (time.Duration, error) {
	raw := strings.TrimSpace(b.Delay)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("broadcast.delay: invalid duration %q: %w", b.Delay, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("broadcast.delay: %s is negative", raw)
	}
	return d, nil
}

func (r RuntimeConfig) Validate() error {
	if !logx.ValidLevel(r.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", r.Logging.Level)
	}
	if r.Logging.Telegram && !logx.ValidLevel(r.Logging.TelegramMinLevel) {
		return fmt.Errorf("logging.telegram_min_level: unknown level %q", r.Logging.TelegramMinLevel)
	}
	if r.Logging.TelegramRate < 0 {
		return errors.New("logging.telegram_rate must be >= 0")
	}
	if _, err := r.Broadcast.delay(); err != nil {
		return err
	}
	if r.Broadcast.ProgressEvery < 1 {
		return errors.New("broadcast.progress_every must be >= 1")
	}
	return nil
}

// LogConfig maps the logging section onto logx.
func (r RuntimeConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   r.Logging.Level,
		Console: r.Logging.Console,
		File:    r.Logging.File,
		Operator: logx.OperatorConfig{
			Enabled:   r.Logging.Telegram,
			MinLevel:  r.Logging.TelegramMinLevel,
			PerSecond: r.Logging.TelegramRate,
		},
	}
}
