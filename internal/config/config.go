// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Blob backends.
const (
	BlobsNone  = "none"
	BlobsLocal = "local"
	BlobsGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Blobs     BlobsConfig     `mapstructure:"blobs"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Events    EventsConfig    `mapstructure:"events"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// MaxResultWait caps the ?wait= parameter of the result endpoint.
	MaxResultWait time.Duration `mapstructure:"max_result_wait"`
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

// QueueConfig holds the queue-level job policy.
type QueueConfig struct {
	// MaxRetries is the default retry ceiling for new jobs. It defaults to 3; an explicit
	// 0 means jobs fail on their first error unless they carry their own max_retries.
	MaxRetries      int           `mapstructure:"max_retries"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
}

// PoolConfig sizes and paces the worker pool.
type PoolConfig struct {
	WorkerCount      int           `mapstructure:"worker_count"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BackoffJitter    bool          `mapstructure:"backoff_jitter"`
	MaxJobsPerWorker int           `mapstructure:"max_jobs_per_worker"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// StorageConfig selects the durable job store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	File     FileConfig     `mapstructure:"file"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// FileConfig configures the file-per-job store.
type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// BlobsConfig sets where fetched pages are archived.
type BlobsConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// FetcherConfig governs the HTTP fetch pipeline.
type FetcherConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	PromoteHeadless   bool          `mapstructure:"promote_headless"`
	DetectorThreshold int           `mapstructure:"detector_threshold"`
	MaxInlineBody     int           `mapstructure:"max_inline_body"`
	BlockedDomains    []string      `mapstructure:"blocked_domains"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// RateLimitConfig paces requests per host.
type RateLimitConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Domains      map[string]float64 `mapstructure:"domains"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_result_wait", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.job_timeout", 5*time.Minute)
	v.SetDefault("queue.reclaim_interval", 30*time.Second)
	v.SetDefault("pool.worker_count", 4)
	v.SetDefault("pool.poll_interval", time.Second)
	v.SetDefault("pool.backoff_base", 500*time.Millisecond)
	v.SetDefault("pool.backoff_max", 30*time.Second)
	v.SetDefault("pool.backoff_jitter", true)
	v.SetDefault("pool.max_jobs_per_worker", 0)
	v.SetDefault("pool.fetch_timeout", 2*time.Minute)
	v.SetDefault("pool.drain_timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.file.dir", "data/jobs")
	v.SetDefault("storage.sqlite.path", "data/jobs.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "scrape_jobs")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.min_conns", 0)
	v.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("blobs.backend", BlobsNone)
	v.SetDefault("blobs.base_dir", "data/pages")
	v.SetDefault("blobs.bucket", "")
	v.SetDefault("blobs.prefix", "pages")
	v.SetDefault("blobs.content_type", "text/html; charset=utf-8")
	v.SetDefault("fetcher.user_agent", "dynamic-web-scraper/0.1")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.promote_headless", false)
	v.SetDefault("fetcher.detector_threshold", 2048)
	v.SetDefault("fetcher.max_inline_body", 64<<10)
	v.SetDefault("fetcher.blocked_domains", []string{})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.sink_timeout", 5*time.Second)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if c.Queue.JobTimeout <= 0 {
		return fmt.Errorf("queue.job_timeout must be > 0")
	}
	if c.Queue.ReclaimInterval <= 0 {
		return fmt.Errorf("queue.reclaim_interval must be > 0")
	}
	if c.Pool.WorkerCount <= 0 {
		return fmt.Errorf("pool.worker_count must be > 0")
	}
	if c.Pool.PollInterval <= 0 {
		return fmt.Errorf("pool.poll_interval must be > 0")
	}
	if c.Pool.BackoffBase < 0 || c.Pool.BackoffMax < 0 {
		return fmt.Errorf("pool backoff durations must be >= 0")
	}
	if c.Pool.MaxJobsPerWorker < 0 {
		return fmt.Errorf("pool.max_jobs_per_worker must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile:
		if strings.TrimSpace(c.Storage.File.Dir) == "" {
			return fmt.Errorf("storage.file.dir is required for the file backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Storage.SQLite.Path) == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Blobs.Backend {
	case BlobsNone, "":
	case BlobsLocal:
		if strings.TrimSpace(c.Blobs.BaseDir) == "" {
			return fmt.Errorf("blobs.base_dir is required for the local backend")
		}
	case BlobsGCS:
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blobs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown blobs.backend %q", c.Blobs.Backend)
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
