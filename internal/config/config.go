// Package config loads relay configuration from a .env file and the
// environment.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob the relay's core (§1 scope) consumes, plus the
// ambient tuning alongside it (metrics, resource guard). CLI parsing and
// config-file merging beyond .env are out of scope (spec.md §1) — apart
// from main's -debug flag, which overrides LogLevel, this is the whole
// configuration surface.
type Config struct {
	// Upstream credentials. Never logged (LogConfig omits these).
	ConsumerKey       string `env:"TP_CONSUMER_KEY"`
	ConsumerSecret    string `env:"TP_CONSUMER_SECRET"`
	AccessToken       string `env:"TP_ACCESS_TOKEN"`
	AccessTokenSecret string `env:"TP_ACCESS_TOKEN_SECRET"`

	// Upstream endpoint, overridable for tests and self-hosted mirrors.
	UpstreamBaseURL string `env:"TP_UPSTREAM_BASE_URL" envDefault:"https://stream.twitter.com/1.1/statuses/filter.json"`

	// WebSocket listener.
	ListenAddr string `env:"TP_LISTEN_ADDR" envDefault:"127.0.0.1:2356"`

	// Metrics listener. Empty disables the metrics server entirely.
	MetricsAddr string `env:"TP_METRICS_ADDR" envDefault:"127.0.0.1:9095"`

	// AlwaysRestart gates spec.md §4.2's optional "shrink causes restart"
	// clause: when true, losing a subscriber (without losing the FID
	// entirely) still triggers a debounced restart to tighten the upstream
	// filter as soon as possible.
	AlwaysRestart bool `env:"TP_ALWAYS_RESTART" envDefault:"false"`

	// DebugBroadcastAll implements spec.md §4.4 / §9's debug escape hatch:
	// every session receives every tweet regardless of its follow set.
	// Never enable in production.
	DebugBroadcastAll bool `env:"TP_DEBUG_BROADCAST_ALL" envDefault:"false"`

	// Resource guard (Acceptor admission control, SPEC_FULL.md §4.5/§9-I).
	ConnRateBurst     int     `env:"TP_CONN_RATE_BURST" envDefault:"20"`
	ConnRatePerSec    float64 `env:"TP_CONN_RATE_PER_SEC" envDefault:"5"`
	CPURejectPercent  float64 `env:"TP_CPU_REJECT_THRESHOLD" envDefault:"90"`

	// Logging.
	LogLevel  string `env:"TP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TP_LOG_FORMAT" envDefault:"json"`

	// Timeouts, exposed for tests; production always gets spec.md's
	// defaults via the envDefault tags below.
	UpstreamStall    time.Duration `env:"TP_UPSTREAM_STALL" envDefault:"90s"`
	SessionStall     time.Duration `env:"TP_SESSION_STALL" envDefault:"90s"`
	HeartbeatPeriod  time.Duration `env:"TP_HEARTBEAT_PERIOD" envDefault:"30s"`
	DebouncePeriod   time.Duration `env:"TP_DEBOUNCE_PERIOD" envDefault:"10s"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: environment variables > .env file > struct
// defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate rejects configuration the rest of the relay cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("TP_LISTEN_ADDR is required")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("TP_LISTEN_ADDR invalid: %w", err)
	}

	if c.CPURejectPercent <= 0 || c.CPURejectPercent > 100 {
		return fmt.Errorf("TP_CPU_REJECT_THRESHOLD must be in (0,100], got %.1f", c.CPURejectPercent)
	}
	if c.ConnRateBurst < 1 {
		return fmt.Errorf("TP_CONN_RATE_BURST must be > 0, got %d", c.ConnRateBurst)
	}
	if c.ConnRatePerSec <= 0 {
		return fmt.Errorf("TP_CONN_RATE_PER_SEC must be > 0, got %.2f", c.ConnRatePerSec)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("TP_LOG_LEVEL must be one of debug|info|warn|error, got %q", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("TP_LOG_FORMAT must be one of json|pretty, got %q", c.LogFormat)
	}

	return nil
}

// LogConfig logs the non-secret configuration surface at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr).
		Str("metrics_addr", c.MetricsAddr).
		Str("upstream_base_url", c.UpstreamBaseURL).
		Bool("always_restart", c.AlwaysRestart).
		Bool("debug_broadcast_all", c.DebugBroadcastAll).
		Int("conn_rate_burst", c.ConnRateBurst).
		Float64("conn_rate_per_sec", c.ConnRatePerSec).
		Float64("cpu_reject_threshold", c.CPURejectPercent).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
