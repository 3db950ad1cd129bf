// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the storage, queue, analysis and events sections.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendSQLite     = "sqlite"
	BackendLocal      = "local"
	BackendGCS        = "gcs"
	BackendRedis      = "redis"
	BackendPubSub     = "pubsub"
	BackendNone       = "none"
	AnalyzerMock      = "mock"
	AnalyzerAnthropic = "anthropic"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProviderConfig describes the external scraping provider.
type ProviderConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	DatasetID     string        `mapstructure:"dataset_id"`
	Token         string        `mapstructure:"token"`
	TargetURL     string        `mapstructure:"target_url"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	OutputFields  []string      `mapstructure:"output_fields"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// AnalysisConfig selects and tunes the analysis runner.
type AnalysisConfig struct {
	Kind      string          `mapstructure:"kind"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// AnthropicConfig configures the hosted model used for analysis.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// WorkerConfig sizes the analysis worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// QueueConfig selects the analysis work queue.
type QueueConfig struct {
	Kind           string        `mapstructure:"kind"`
	Depth          int           `mapstructure:"depth"`
	RedisURL       string        `mapstructure:"redis_url"`
	RedisKey       string        `mapstructure:"redis_key"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
}

// StorageConfig selects the job store and the raw payload archive.
type StorageConfig struct {
	Jobs          string `mapstructure:"jobs"`
	Archive       string `mapstructure:"archive"`
	ArchivePrefix string `mapstructure:"archive_prefix"`
	LocalDir      string `mapstructure:"local_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig selects where job events go.
type PubSubConfig struct {
	Kind      string `mapstructure:"kind"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ReaperConfig controls the stuck-job reaper.
type ReaperConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Schedule        string        `mapstructure:"schedule"`
	RunningMaxAge   time.Duration `mapstructure:"running_max_age"`
	AnalyzingMaxAge time.Duration `mapstructure:"analyzing_max_age"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing. Spans are exported to
// Cloud Trace when ProjectID is set.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment and validates it.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read builds a Config from disk/environment without validating it. Tools
// that need a single section, such as migrations, use it directly.
func Read(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPORTER")
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
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.dataset_id", "")
	v.SetDefault("provider.public_base_url", "")
	v.SetDefault("provider.endpoint", "https://api.brightdata.com/datasets/v3/trigger")
	v.SetDefault("provider.target_url", "https://chatgpt.com/")
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.rate_per_second", 2.0)
	v.SetDefault("provider.burst", 4)
	v.SetDefault("analysis.kind", AnalyzerAnthropic)
	v.SetDefault("analysis.timeout", "5m")
	v.SetDefault("analysis.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("analysis.anthropic.max_tokens", 4096)
	v.SetDefault("analysis.anthropic.api_key", "")
	v.SetDefault("analysis.anthropic.base_url", "")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("queue.kind", BackendMemory)
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.redis_key", "reporter:analysis")
	v.SetDefault("queue.enqueue_timeout", "5s")
	v.SetDefault("storage.jobs", BackendMemory)
	v.SetDefault("storage.archive", BackendMemory)
	v.SetDefault("storage.archive_prefix", "webhooks")
	v.SetDefault("storage.local_dir", "data/payloads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)
	v.SetDefault("sqlite.path", "reporter.db")
	v.SetDefault("pubsub.kind", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "job-events")
	v.SetDefault("reaper.enabled", false)
	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.running_max_age", "2h")
	v.SetDefault("reaper.analyzing_max_age", "30m")
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "reporter")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		add("auth.api_key must be set when auth is enabled")
	}

	if c.Provider.Token == "" {
		add("provider.token is required")
	}
	if c.Provider.DatasetID == "" {
		add("provider.dataset_id is required")
	}
	if c.Provider.Endpoint == "" {
		add("provider.endpoint is required")
	}
	if u, err := url.Parse(c.Provider.PublicBaseURL); c.Provider.PublicBaseURL == "" || err != nil || u.Host == "" {
		add("provider.public_base_url must be an absolute URL reachable by the provider")
	}
	if c.Provider.Timeout <= 0 {
		add("provider.timeout must be > 0")
	}
	if c.Server.RequestTimeout > 0 && c.Server.RequestTimeout <= c.Provider.Timeout {
		add("server.request_timeout (%s) must exceed provider.timeout (%s)", c.Server.RequestTimeout, c.Provider.Timeout)
	}

	switch c.Analysis.Kind {
	case AnalyzerAnthropic:
		if c.Analysis.Anthropic.APIKey == "" {
			add("analysis.anthropic.api_key is required for the anthropic analyzer")
		}
	case AnalyzerMock:
	default:
		add("analysis.kind %q is not one of anthropic, mock", c.Analysis.Kind)
	}
	if c.Worker.Concurrency <= 0 {
		add("worker.concurrency must be > 0")
	}

	switch c.Queue.Kind {
	case BackendMemory:
		if c.Queue.Depth <= 0 {
			add("queue.depth must be > 0")
		}
	case BackendRedis:
		if c.Queue.RedisURL == "" {
			add("queue.redis_url is required for the redis queue")
		}
	default:
		add("queue.kind %q is not one of memory, redis", c.Queue.Kind)
	}

	switch c.Storage.Jobs {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			add("database.dsn is required for the postgres job store")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			add("sqlite.path is required for the sqlite job store")
		}
	default:
		add("storage.jobs %q is not one of memory, postgres, sqlite", c.Storage.Jobs)
	}

	switch c.Storage.Archive {
	case BackendMemory, BackendNone:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			add("storage.local_dir is required for the local archive")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			add("storage.gcs_bucket is required for the gcs archive")
		}
	default:
		add("storage.archive %q is not one of memory, local, gcs, none", c.Storage.Archive)
	}

	switch c.PubSub.Kind {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			add("pubsub.project_id and pubsub.topic_name are required for pubsub events")
		}
	default:
		add("pubsub.kind %q is not one of none, memory, pubsub", c.PubSub.Kind)
	}

	if c.Reaper.Enabled && c.Reaper.RunningMaxAge <= 0 && c.Reaper.AnalyzingMaxAge <= 0 {
		add("reaper needs running_max_age or analyzing_max_age when enabled")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		add("telemetry.service_name is required when telemetry is enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return &Error{Problems: errs}
}

// Error reports every configuration problem found by Validate.
type Error struct {
	Problems []error
}

func (e *Error) Error() string {
	return "invalid configuration: " + errors.Join(e.Problems...).Error()
}

// Unwrap exposes the individual problems to errors.Is/As.
func (e *Error) Unwrap() []error {
	return e.Problems
}
