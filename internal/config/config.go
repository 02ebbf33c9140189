// Package config loads and validates dealscan configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/dealscan/internal/market"
	"github.com/JakeFAU/dealscan/internal/source/marketplace"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Filter     FilterConfig     `mapstructure:"filter"`
	Gate       GateConfig       `mapstructure:"gate"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Source     SourceConfig     `mapstructure:"source"`
	Market     MarketConfig     `mapstructure:"market"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SessionConfig governs run lifecycle and cancellation.
type SessionConfig struct {
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	KillLingering  bool          `mapstructure:"kill_lingering"`
}

// EvaluationConfig sizes the evaluation scheduler.
type EvaluationConfig struct {
	Workers     int           `mapstructure:"workers"`
	StartDelay  time.Duration `mapstructure:"start_delay"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// FilterConfig sizes the comparable batch filter.
type FilterConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	StartDelay           time.Duration `mapstructure:"start_delay"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
}

// GateConfig bounds calls to the comparison model.
type GateConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	RetryBuffer       time.Duration `mapstructure:"retry_buffer"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	// PoolSize of 0 follows evaluation.workers.
	PoolSize          int           `mapstructure:"pool_size"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	BaseDebugPort     int           `mapstructure:"base_debug_port"`
	ProfileRoot       string        `mapstructure:"profile_root"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	CreateRetries     int           `mapstructure:"create_retries"`
}

// SourceConfig configures listing discovery.
type SourceConfig struct {
	SearchURL   string                `mapstructure:"search_url"`
	Selectors   marketplace.Selectors `mapstructure:"selectors"`
	LoginMarker string                `mapstructure:"login_marker"`
	Cookie      string                `mapstructure:"cookie"`
	MaxListings int                   `mapstructure:"max_listings"`
	MaxPages    int                   `mapstructure:"max_pages"`
	Timeout     time.Duration         `mapstructure:"timeout"`
}

// MarketConfig selects the sold-price backend and its cache.
type MarketConfig struct {
	Backend   string           `mapstructure:"backend"`
	SearchURL string           `mapstructure:"search_url"`
	MaxItems  int              `mapstructure:"max_items"`
	Selectors market.Selectors `mapstructure:"selectors"`
	Cache     CacheConfig      `mapstructure:"cache"`
}

// CacheConfig selects the market price cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// OracleConfig configures the comparison model client.
type OracleConfig struct {
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	BaseURL         string `mapstructure:"base_url"`
	MaxOutputTokens int64  `mapstructure:"max_output_tokens"`
	// Enrich identifies the product before building each search query.
	Enrich     bool   `mapstructure:"enrich"`
	ReconModel string `mapstructure:"recon_model"`
}

// DatabaseConfig controls access to the run history database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig selects where finished runs are written.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig is used by the local archive backend.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls run history fan-out.
type ProgressConfig struct {
	Enabled    bool                `mapstructure:"enabled"`
	LogEnabled bool                `mapstructure:"log_enabled"`
	BufferSize int                 `mapstructure:"buffer_size"`
	Batch      ProgressBatchConfig `mapstructure:"batch"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// Market and archive backends.
const (
	MarketHeadless = "headless"
	MarketHTTP     = "http"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALSCAN")
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
	if cfg.Browser.PoolSize == 0 {
		cfg.Browser.PoolSize = cfg.Evaluation.Workers
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("session.cleanup_timeout", "10s")
	v.SetDefault("session.poll_interval", "500ms")
	v.SetDefault("session.kill_lingering", true)
	v.SetDefault("evaluation.workers", 5)
	v.SetDefault("evaluation.start_delay", "350ms")
	v.SetDefault("evaluation.wait_timeout", "200ms")
	v.SetDefault("filter.batch_size", 10)
	v.SetDefault("filter.max_concurrent_batches", 5)
	v.SetDefault("filter.start_delay", "350ms")
	v.SetDefault("filter.poll_interval", "200ms")
	v.SetDefault("gate.max_concurrent", 15)
	v.SetDefault("gate.max_retries", 5)
	v.SetDefault("gate.initial_delay", "500ms")
	v.SetDefault("gate.multiplier", 2.0)
	v.SetDefault("gate.retry_buffer", "250ms")
	v.SetDefault("gate.poll_interval", "50ms")
	v.SetDefault("gate.requests_per_second", 0)
	v.SetDefault("browser.pool_size", 0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.base_debug_port", 9225)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.create_retries", 2)
	v.SetDefault("source.login_marker", "/login")
	v.SetDefault("source.max_listings", 20)
	v.SetDefault("source.max_pages", 10)
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("market.backend", MarketHeadless)
	v.SetDefault("market.search_url", market.DefaultSearchURL)
	v.SetDefault("market.max_items", market.DefaultMaxItems)
	v.SetDefault("market.cache.backend", CacheMemory)
	v.SetDefault("market.cache.ttl", "30m")
	v.SetDefault("oracle.model", "gpt-4o-mini")
	v.SetDefault("oracle.max_output_tokens", 2048)
	v.SetDefault("oracle.enrich", true)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("archive.backend", ArchiveMemory)
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.local.base_dir", "data/runs")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.batch.max_events", 50)
	v.SetDefault("progress.batch.max_wait", "500ms")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "dealscan")
	v.SetDefault("telemetry.tracing_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Session.CleanupTimeout <= 0 {
		return fmt.Errorf("session.cleanup_timeout must be > 0")
	}
	if c.Evaluation.Workers <= 0 {
		return fmt.Errorf("evaluation.workers must be > 0")
	}
	if c.Filter.BatchSize <= 0 {
		return fmt.Errorf("filter.batch_size must be > 0")
	}
	if c.Filter.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("filter.max_concurrent_batches must be > 0")
	}
	if c.Gate.MaxConcurrent <= 0 {
		return fmt.Errorf("gate.max_concurrent must be > 0")
	}
	if c.Gate.Multiplier < 1 {
		return fmt.Errorf("gate.multiplier must be >= 1")
	}
	if c.Browser.PoolSize < 0 {
		return fmt.Errorf("browser.pool_size must be >= 0")
	}
	switch c.Market.Backend {
	case MarketHeadless, MarketHTTP:
	default:
		return fmt.Errorf("market.backend must be %q or %q", MarketHeadless, MarketHTTP)
	}
	switch c.Market.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Market.Cache.RedisAddr == "" {
			return fmt.Errorf("market.cache.redis_addr must be set when the redis cache is enabled")
		}
	default:
		return fmt.Errorf("market.cache.backend must be %q or %q", CacheMemory, CacheRedis)
	}
	switch c.Archive.Backend {
	case ArchiveMemory, ArchiveLocal:
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when the gcs archive is enabled")
		}
	default:
		return fmt.Errorf("archive.backend must be one of memory, local, gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	return nil
}

// RequirePipelineDeps checks settings needed to run a scan.
func (c Config) RequirePipelineDeps() error {
	if c.Source.SearchURL == "" {
		return fmt.Errorf("source.search_url must be set")
	}
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle.api_key must be set")
	}
	return nil
}
