// Package config loads and validates grid crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Driver names accepted by the store, sink, export and events sections.
const (
	DriverMemory     = "memory"
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverLocal      = "local"
	DriverGCS        = "gcs"
	DriverPubSub     = "pubsub"
	DriverNone       = "none"
	DriverDataForSEO = "dataforseo"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Provider ProviderConfig `mapstructure:"provider"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
	Seed     SeedConfig     `mapstructure:"seed"`
	Export   ExportConfig   `mapstructure:"export"`
	Events   EventsConfig   `mapstructure:"events"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the task queue backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// SinkConfig selects the result sink backend.
type SinkConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ProviderConfig configures the DataForSEO client.
type ProviderConfig struct {
	Driver         string        `mapstructure:"driver"`
	BaseURL        string        `mapstructure:"base_url"`
	Login          string        `mapstructure:"login"`
	Password       string        `mapstructure:"password"`
	LanguageCode   string        `mapstructure:"language_code"`
	Priority       int           `mapstructure:"priority"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxPolls       int           `mapstructure:"max_polls"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	TaskLogPath    string        `mapstructure:"task_log_path"`
}

// JanitorMargin is how far janitor.timeout must clear the provider's
// worst-case latency.
const JanitorMargin = time.Minute

// WorstCaseLatency is the longest a single Search can take: the submission
// plus MaxPolls rounds of sleeping PollInterval and waiting out one request.
func (p ProviderConfig) WorstCaseLatency() time.Duration {
	return time.Duration(p.MaxPolls)*(p.PollInterval+p.RequestTimeout) + p.RequestTimeout
}

// WorkerConfig governs the subdivision worker loop.
type WorkerConfig struct {
	Concurrency            int           `mapstructure:"concurrency"`
	SaturationThreshold    int           `mapstructure:"saturation_threshold"`
	MinWidthMeters         float64       `mapstructure:"min_width_meters"`
	IdleBackoff            time.Duration `mapstructure:"idle_backoff"`
	PersistPartialOnExpand bool          `mapstructure:"persist_partial_on_expand"`
	MaxStoreRetries        int           `mapstructure:"max_store_retries"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay"`
}

// JanitorConfig governs stale-claim recovery.
type JanitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// SeedConfig holds defaults for the seed command.
type SeedConfig struct {
	WidthMeters float64 `mapstructure:"width_meters"`
}

// ExportConfig selects where finish writes the CSV.
type ExportConfig struct {
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// EventsConfig controls lifecycle event publishing. An empty topic disables it.
type EventsConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GRIDCRAWLER")
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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "grid_tasks")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("store.sqlite_path", "data/queue.db")
	v.SetDefault("sink.driver", DriverPostgres)
	v.SetDefault("sink.dsn", "")
	v.SetDefault("sink.table", "results")
	v.SetDefault("sink.max_conns", 0)
	v.SetDefault("provider.driver", DriverDataForSEO)
	v.SetDefault("provider.base_url", "https://api.dataforseo.com/v3")
	v.SetDefault("provider.login", "")
	v.SetDefault("provider.password", "")
	v.SetDefault("provider.language_code", "en")
	v.SetDefault("provider.priority", 1)
	v.SetDefault("provider.poll_interval", "10s")
	v.SetDefault("provider.max_polls", 30)
	v.SetDefault("provider.request_timeout", "30s")
	v.SetDefault("provider.rate_limit", 2.0)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.task_log_path", "data/tasks.jsonl")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.saturation_threshold", 100)
	v.SetDefault("worker.min_width_meters", 500.0)
	v.SetDefault("worker.idle_backoff", "1s")
	v.SetDefault("worker.persist_partial_on_expand", false)
	v.SetDefault("worker.max_store_retries", 5)
	v.SetDefault("worker.retry_base_delay", "250ms")
	v.SetDefault("worker.retry_max_delay", "10s")
	v.SetDefault("janitor.interval", "1m")
	v.SetDefault("janitor.timeout", "30m")
	v.SetDefault("janitor.max_attempts", 3)
	v.SetDefault("seed.width_meters", 20000.0)
	v.SetDefault("export.driver", DriverLocal)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "")
	v.SetDefault("events.driver", DriverNone)
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Sink.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown sink.driver %q", c.Sink.Driver)
	}
	if c.Provider.Driver != DriverDataForSEO {
		return fmt.Errorf("unknown provider.driver %q", c.Provider.Driver)
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Provider.PollInterval <= 0 || c.Provider.MaxPolls <= 0 {
		return fmt.Errorf("provider.poll_interval and provider.max_polls must be > 0")
	}
	if c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider.request_timeout must be > 0")
	}
	if c.Provider.RateLimit <= 0 {
		return fmt.Errorf("provider.rate_limit must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.SaturationThreshold <= 0 {
		return fmt.Errorf("worker.saturation_threshold must be > 0")
	}
	if c.Worker.MinWidthMeters <= 0 {
		return fmt.Errorf("worker.min_width_meters must be > 0")
	}
	if c.Worker.MaxStoreRetries < 0 {
		return fmt.Errorf("worker.max_store_retries must be >= 0")
	}
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be > 0")
	}
	if c.Janitor.MaxAttempts < 0 {
		return fmt.Errorf("janitor.max_attempts must be >= 0")
	}
	if worst := c.Provider.WorstCaseLatency(); c.Janitor.Timeout < worst+JanitorMargin {
		return fmt.Errorf("janitor.timeout (%s) must exceed the provider worst-case latency (%s) by at least %s",
			c.Janitor.Timeout, worst, JanitorMargin)
	}
	switch c.Export.Driver {
	case DriverLocal:
		if c.Export.Dir == "" {
			return fmt.Errorf("export.dir is required for the local driver")
		}
	case DriverGCS:
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket is required for the gcs driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown export.driver %q", c.Export.Driver)
	}
	switch c.Events.Driver {
	case DriverNone, DriverMemory:
	case DriverPubSub:
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for the pubsub driver")
		}
	default:
		return fmt.Errorf("unknown events.driver %q", c.Events.Driver)
	}
	return nil
}
