// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Activity  ActivityConfig  `mapstructure:"activity"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

// Fetch modes.
const (
	FetchModeHeadless = "headless"
	FetchModeHTTP     = "http"
)

// CrawlerConfig governs discovery, batching, and the worker pool.
type CrawlerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	FetchMode         string        `mapstructure:"fetch_mode"`
	BaseURL           string        `mapstructure:"base_url"`
	UserAgents        []string      `mapstructure:"user_agents"`
	BatchLimit        int           `mapstructure:"batch_limit"`
	MaxBatchLimit     int           `mapstructure:"max_batch_limit"`
	EnqueueDelay      time.Duration `mapstructure:"enqueue_delay"`
	IdleInterval      time.Duration `mapstructure:"idle_interval"`
	DrainPollInterval time.Duration `mapstructure:"drain_poll_interval"`
}

// RetryConfig configures the per-job retry loop.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig bounds each fetch attempt.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// HeadlessConfig configures the chromedp fetcher. An empty WSEndpoint
// launches a local browser.
type HeadlessConfig struct {
	WSEndpoint  string        `mapstructure:"ws_endpoint"`
	MaxParallel int           `mapstructure:"max_parallel"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// ChallengeConfig lists anti-bot page markers.
type ChallengeConfig struct {
	Signatures []string `mapstructure:"signatures"`
	Selectors  []string `mapstructure:"selectors"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueSQLite = "sqlite"
)

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	Prefix         string        `mapstructure:"prefix"`
	RedisRetention time.Duration `mapstructure:"redis_retention"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
}

// RedisConfig is shared by the redis queue and the activity list.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ActivityConfig controls the activity hub and its sinks.
type ActivityConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	FlushEvents int           `mapstructure:"flush_events"`
	FlushEvery  time.Duration `mapstructure:"flush_every"`
	RedisList   string        `mapstructure:"redis_list"`
	RedisMaxLen int64         `mapstructure:"redis_max_len"`
}

// DatabaseConfig controls the Postgres product store. An empty DSN keeps
// products in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig sets where page snapshots go.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for product event notifications.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicName   string `mapstructure:"topic_name"`
	VerifyTopic bool   `mapstructure:"verify_topic"`
}

// RateLimitConfig throttles fetches per domain. RPS <= 0 disables it.
// Domains is a list because viper splits map keys on dots.
type RateLimitConfig struct {
	RPS     float64      `mapstructure:"rps"`
	Burst   int          `mapstructure:"burst"`
	Domains []DomainRate `mapstructure:"domains"`
}

// DomainRate overrides RPS for one host.
type DomainRate struct {
	Domain string  `mapstructure:"domain"`
	RPS    float64 `mapstructure:"rps"`
}

// DomainRates returns the overrides keyed by host.
func (c RateLimitConfig) DomainRates() map[string]float64 {
	if len(c.Domains) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.Domains))
	for _, d := range c.Domains {
		out[d.Domain] = d.RPS
	}
	return out
}

// RobotsConfig gates fetches on robots.txt and a host blocklist.
type RobotsConfig struct {
	Respect   bool          `mapstructure:"respect"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Blocklist []string      `mapstructure:"blocklist"`
}

// TracingConfig controls OpenTelemetry spans. ProjectID enables export to
// Cloud Trace.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from a .env file, disk, and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Proxy browser endpoint under its historical name.
	if err := v.BindEnv("headless.ws_endpoint", "SCRAPER_HEADLESS_WS_ENDPOINT", "BRIGHT_DATA"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.fetch_mode", FetchModeHeadless)
	v.SetDefault("crawler.base_url", "https://www.amazon.in")
	v.SetDefault("crawler.user_agents", []string{})
	v.SetDefault("crawler.batch_limit", 3)
	v.SetDefault("crawler.max_batch_limit", 10)
	v.SetDefault("crawler.enqueue_delay", "500ms")
	v.SetDefault("crawler.idle_interval", "100ms")
	v.SetDefault("crawler.drain_poll_interval", "250ms")
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("http.timeout", "60s")
	v.SetDefault("headless.max_parallel", 5)
	v.SetDefault("headless.settle_delay", "0s")
	v.SetDefault("challenge.signatures", []string{"Enter the characters you see below"})
	v.SetDefault("challenge.selectors", []string{`form[action*="validateCaptcha"]`})
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.prefix", "scrape-queue")
	v.SetDefault("queue.redis_retention", "24h")
	v.SetDefault("queue.sqlite_path", "data/queue.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("activity.buffer_size", 1024)
	v.SetDefault("activity.flush_events", 100)
	v.SetDefault("activity.flush_every", "250ms")
	v.SetDefault("activity.redis_list", "scraper:logs")
	v.SetDefault("activity.redis_max_len", 1000)
	v.SetDefault("database.table", "products")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.base_dir", "data/snapshots")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.verify_topic", true)
	v.SetDefault("rate_limit.rps", 0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("robots.respect", false)
	v.SetDefault("robots.user_agent", "product-scraper")
	v.SetDefault("robots.timeout", "10s")
	v.SetDefault("robots.blocklist", []string{})
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "product-scraper")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.RequestTimeout > 0, "server.request_timeout must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Crawler.Concurrency > 0, "crawler.concurrency must be > 0")
	check(c.Crawler.FetchMode == FetchModeHeadless || c.Crawler.FetchMode == FetchModeHTTP,
		"crawler.fetch_mode must be %q or %q, got %q", FetchModeHeadless, FetchModeHTTP, c.Crawler.FetchMode)
	check(c.Crawler.BaseURL != "", "crawler.base_url is required")
	check(c.Crawler.BatchLimit > 0, "crawler.batch_limit must be > 0")
	check(c.Crawler.MaxBatchLimit >= c.Crawler.BatchLimit, "crawler.max_batch_limit must be >= crawler.batch_limit")
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be > 0")
	check(c.Retry.BackoffFactor >= 1, "retry.backoff_factor must be >= 1")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must be >= retry.base_delay")
	check(c.HTTP.Timeout > 0, "http.timeout must be > 0")
	check(c.Crawler.FetchMode != FetchModeHeadless || c.Headless.MaxParallel > 0,
		"headless.max_parallel must be > 0 in headless fetch mode")

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		check(c.Redis.Addr != "", "redis.addr is required for the redis queue")
	case QueueSQLite:
		check(c.Queue.SQLitePath != "", "queue.sqlite_path is required for the sqlite queue")
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend))
	}

	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		check(c.Storage.BaseDir != "", "storage.base_dir is required for local storage")
	case StorageGCS:
		check(c.Storage.Bucket != "", "storage.bucket is required for gcs storage")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	check(c.PubSub.TopicName == "" || c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub.topic_name is set")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	check(c.RateLimit.RPS <= 0 || c.RateLimit.Burst > 0, "rate_limit.burst must be > 0 when rate limiting is enabled")
	check(!c.Robots.Respect || c.Robots.Timeout > 0, "robots.timeout must be > 0 when robots.txt is respected")
	return errors.Join(errs...)
}

// ActivityRedisEnabled reports whether activity lines should go to Redis.
func (c Config) ActivityRedisEnabled() bool {
	return c.Queue.Backend == QueueRedis && c.Activity.RedisList != ""
}
