// Package config loads and validates ingestion service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Session      SessionConfig      `mapstructure:"session"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// SessionConfig configures the headless browser used to obtain cookies.
type SessionConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Stealth           bool   `mapstructure:"stealth"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	ExecPath          string `mapstructure:"exec_path"`
}

// FetchConfig governs per-request behavior shared by both sources.
type FetchConfig struct {
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	BaseDelayMs          int    `mapstructure:"base_delay_ms"`
	AuthFailureThreshold int    `mapstructure:"auth_failure_threshold"`
	MaxBodyBytes         int    `mapstructure:"max_body_bytes"`
	AcceptLanguage       string `mapstructure:"accept_language"`
}

// SourcesConfig locates the two remote sources.
type SourcesConfig struct {
	Exchange ExchangeSource `mapstructure:"exchange"`
	Screener ScreenerSource `mapstructure:"screener"`
}

// ExchangeSource is the JSON index and quote API.
type ExchangeSource struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	IndexURL  string `mapstructure:"index_url"`
	QuoteURL  string `mapstructure:"quote_url"`
	Referer   string `mapstructure:"referer"`
	UserAgent string `mapstructure:"user_agent"`
}

// ScreenerSource is the HTML company page site.
type ScreenerSource struct {
	BaseURL    string `mapstructure:"base_url"`
	CompanyURL string `mapstructure:"company_url"`
	Referer    string `mapstructure:"referer"`
	UserAgent  string `mapstructure:"user_agent"`
}

// ScheduleConfig holds cron specs (with seconds) evaluated in Timezone.
type ScheduleConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Timezone     string `mapstructure:"timezone"`
	DailyPrices  string `mapstructure:"daily_prices"`
	WeeklyPrices string `mapstructure:"weekly_prices"`
	Fundamentals string `mapstructure:"fundamentals"`
	CacheClear   string `mapstructure:"cache_clear"`
}

// OrchestratorConfig bounds job retries. MaxAttempts 0 retries until success.
type OrchestratorConfig struct {
	MaxAttempts            int     `mapstructure:"max_attempts"`
	InitialIntervalSeconds int     `mapstructure:"initial_interval_seconds"`
	MaxIntervalSeconds     int     `mapstructure:"max_interval_seconds"`
	Multiplier             float64 `mapstructure:"multiplier"`
}

// IngestConfig tunes the two jobs.
type IngestConfig struct {
	PricePacingMs           int `mapstructure:"price_pacing_ms"`
	QuoteAttempts           int `mapstructure:"quote_attempts"`
	FundamentalsPacingMs    int `mapstructure:"fundamentals_pacing_ms"`
	FundamentalsAttempts    int `mapstructure:"fundamentals_attempts"`
	FundamentalsBaseDelayMs int `mapstructure:"fundamentals_base_delay_ms"`
	StalenessHours          int `mapstructure:"staleness_hours"`
}

// ArchiveConfig controls raw-response archiving.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig selects where run events go.
type PubSubConfig struct {
	Backend         string `mapstructure:"backend"`
	ProjectID       string `mapstructure:"project_id"`
	EventsTopic     string `mapstructure:"events_topic"`
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.stealth", true)
	v.SetDefault("session.nav_timeout_seconds", 20)
	v.SetDefault("session.max_parallel", 1)
	v.SetDefault("session.exec_path", "")

	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.base_delay_ms", 2000)
	v.SetDefault("fetch.auth_failure_threshold", 2)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.accept_language", "en-US,en;q=0.9")

	v.SetDefault("sources.exchange.name", "NSE")
	v.SetDefault("sources.exchange.base_url", "https://www.nseindia.com/")
	v.SetDefault("sources.exchange.index_url", "https://www.nseindia.com/api/equity-stockIndices?index=NIFTY%20500")
	v.SetDefault("sources.exchange.quote_url", "https://www.nseindia.com/api/quote-equity?symbol={symbol}")
	v.SetDefault("sources.exchange.referer", "https://www.nseindia.com/")
	v.SetDefault("sources.exchange.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36")
	v.SetDefault("sources.screener.base_url", "https://www.screener.in/")
	v.SetDefault("sources.screener.company_url", "https://www.screener.in/company/{symbol}/")
	v.SetDefault("sources.screener.referer", "https://www.screener.in/")
	v.SetDefault("sources.screener.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.timezone", "Asia/Kolkata")
	v.SetDefault("schedule.daily_prices", "0 15 9 * * *")
	v.SetDefault("schedule.weekly_prices", "0 30 9 * * 1")
	v.SetDefault("schedule.fundamentals", "0 45 9 * * 1")
	v.SetDefault("schedule.cache_clear", "0 0 * * * *")

	v.SetDefault("orchestrator.max_attempts", 0)
	v.SetDefault("orchestrator.initial_interval_seconds", 10)
	v.SetDefault("orchestrator.max_interval_seconds", 300)
	v.SetDefault("orchestrator.multiplier", 1.0)

	v.SetDefault("ingest.price_pacing_ms", 1000)
	v.SetDefault("ingest.quote_attempts", 1)
	v.SetDefault("ingest.fundamentals_pacing_ms", 2500)
	v.SetDefault("ingest.fundamentals_attempts", 3)
	v.SetDefault("ingest.fundamentals_base_delay_ms", 3000)
	v.SetDefault("ingest.staleness_hours", 24)

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("pubsub.backend", "memory")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.events_topic", "job-runs")
	v.SetDefault("pubsub.dead_letter_topic", "job-runs-dead-letter")

	v.SetDefault("telemetry.service_name", "equity-ingest")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q must be memory or postgres", c.Database.Driver)
	}
	if c.Session.Enabled && c.Session.MaxParallel <= 0 {
		return fmt.Errorf("session.max_parallel must be > 0 when sessions are enabled")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Sources.Exchange.IndexURL == "" || !strings.Contains(c.Sources.Exchange.QuoteURL, "{symbol}") {
		return fmt.Errorf("sources.exchange.index_url and a quote_url containing {symbol} are required")
	}
	if !strings.Contains(c.Sources.Screener.CompanyURL, "{symbol}") {
		return fmt.Errorf("sources.screener.company_url must contain {symbol}")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	if c.Orchestrator.MaxAttempts < 0 {
		return fmt.Errorf("orchestrator.max_attempts must be >= 0")
	}
	if c.Orchestrator.Multiplier < 1 {
		return fmt.Errorf("orchestrator.multiplier must be >= 1")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q must be none, memory, local or gcs", c.Archive.Backend)
	}
	switch c.PubSub.Backend {
	case "none", "memory":
	case "gcp":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the gcp backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q must be none, memory or gcp", c.PubSub.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

// Location resolves the schedule time zone; empty means UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// Millis converts a millisecond knob to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Seconds converts a second knob to a duration.
func Seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
