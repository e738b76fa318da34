// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// Fetch backends.
const (
	BackendColly    = "colly"
	BackendHeadless = "headless"
)

// Match log backends accepted in storage.backends.
const (
	StorageLocal    = "local"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Scan      ScanConfig           `mapstructure:"scan"`
	Sources   []scan.ListingSource `mapstructure:"sources"`
	Watchlist WatchlistConfig      `mapstructure:"watchlist"`
	Fetch     FetchConfig          `mapstructure:"fetch"`
	Headless  HeadlessConfig       `mapstructure:"headless"`
	Storage   StorageConfig        `mapstructure:"storage"`
	Database  DatabaseConfig       `mapstructure:"database"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Progress  ProgressConfig       `mapstructure:"progress"`
	Tracing   TracingConfig        `mapstructure:"tracing"`
	Logging   LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScanConfig governs the cycle controller, worker pool and matcher.
type ScanConfig struct {
	Concurrency          int    `mapstructure:"concurrency"`
	TargetTimeoutSeconds int    `mapstructure:"target_timeout_seconds"`
	ContextWindow        int    `mapstructure:"context_window"`
	ContextCap           int    `mapstructure:"context_cap"`
	MatchMode            string `mapstructure:"match_mode"`
	MaxMatchesPerTarget  int    `mapstructure:"max_matches_per_target"`
	MaxRetries           int    `mapstructure:"max_retries"`
	BackoffInitialMs     int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int    `mapstructure:"backoff_max_ms"`
	Schedule             string `mapstructure:"schedule"`
	RunOnStart           bool   `mapstructure:"run_on_start"`
	DefaultSource        bool   `mapstructure:"default_source"`
}

// WatchlistConfig seeds and persists keywords and bespoke targets.
type WatchlistConfig struct {
	Path         string   `mapstructure:"path"`
	Keywords     []string `mapstructure:"keywords"`
	Targets      []string `mapstructure:"targets"`
	KeywordsFile string   `mapstructure:"keywords_file"`
}

// FetchConfig configures the listing and text fetchers.
type FetchConfig struct {
	Backend         string  `mapstructure:"backend"`
	UserAgent       string  `mapstructure:"user_agent"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	MessageSelector string  `mapstructure:"message_selector"`
	RespectRobots   bool    `mapstructure:"respect_robots"`
	RatePerSecond   float64 `mapstructure:"rate_per_second"`
	Burst           int     `mapstructure:"burst"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector      string `mapstructure:"wait_selector"`
}

// StorageConfig selects match log backends and artifact locations.
type StorageConfig struct {
	DataDir     string   `mapstructure:"data_dir"`
	TargetsFile string   `mapstructure:"targets_file"`
	Backends    []string `mapstructure:"backends"`
	GCSBucket   string   `mapstructure:"gcs_bucket"`
	GCSPrefix   string   `mapstructure:"gcs_prefix"`
}

// DatabaseConfig controls access to the relational stores.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MatchesTable string `mapstructure:"matches_table"`
	RunsTable    string `mapstructure:"runs_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	SQLitePath   string `mapstructure:"sqlite_path"`
}

// PubSubConfig holds metadata for event forwarding.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	Batch         BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
}

// BatchConfig bounds one hub flush.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TGSCAN")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("scan.concurrency", 10)
	v.SetDefault("scan.target_timeout_seconds", 30)
	v.SetDefault("scan.context_window", 80)
	v.SetDefault("scan.context_cap", 400)
	v.SetDefault("scan.match_mode", string(scan.MatchModeFirst))
	v.SetDefault("scan.max_matches_per_target", 0)
	v.SetDefault("scan.max_retries", 1)
	v.SetDefault("scan.backoff_initial_ms", 250)
	v.SetDefault("scan.backoff_max_ms", 2000)
	v.SetDefault("scan.schedule", "")
	v.SetDefault("scan.run_on_start", false)
	v.SetDefault("scan.default_source", true)
	v.SetDefault("watchlist.path", "data/watchlist.yaml")
	v.SetDefault("fetch.backend", BackendColly)
	v.SetDefault("fetch.user_agent", "tgscan/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.targets_file", "links.txt")
	v.SetDefault("storage.backends", []string{StorageLocal})
	v.SetDefault("storage.gcs_prefix", "cycles")
	v.SetDefault("database.matches_table", "matches")
	v.SetDefault("database.runs_table", "cycle_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 500)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be > 0")
	}
	if c.Scan.TargetTimeoutSeconds <= 0 {
		return fmt.Errorf("scan.target_timeout_seconds must be > 0")
	}
	if c.Scan.ContextWindow < 0 || c.Scan.ContextCap < 0 {
		return fmt.Errorf("scan.context_window and scan.context_cap must be >= 0")
	}
	switch scan.MatchMode(c.Scan.MatchMode) {
	case "", scan.MatchModeFirst, scan.MatchModeAll:
	default:
		return fmt.Errorf("scan.match_mode must be %q or %q", scan.MatchModeFirst, scan.MatchModeAll)
	}
	switch c.Fetch.Backend {
	case "", BackendColly:
	case BackendHeadless:
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when the headless backend is selected")
		}
	default:
		return fmt.Errorf("fetch.backend %q is not supported", c.Fetch.Backend)
	}
	for _, b := range c.Storage.Backends {
		switch b {
		case StorageLocal, StorageMemory, StoragePostgres, StorageSQLite:
		default:
			return fmt.Errorf("storage.backends: unknown backend %q", b)
		}
	}
	if c.UsesBackend(StoragePostgres) && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when the postgres backend is enabled")
	}
	if c.UsesBackend(StorageSQLite) && c.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path must be set when the sqlite backend is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is configured")
	}
	for i, src := range c.Sources {
		if strings.TrimSpace(src.Location) == "" {
			return fmt.Errorf("sources[%d].location must be set", i)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// UsesBackend reports whether name is one of the configured match log backends.
func (c Config) UsesBackend(name string) bool {
	return slices.Contains(c.Storage.Backends, name)
}

// TargetTimeout converts scan.target_timeout_seconds into a duration.
func (c Config) TargetTimeout() time.Duration {
	return time.Duration(c.Scan.TargetTimeoutSeconds) * time.Second
}
