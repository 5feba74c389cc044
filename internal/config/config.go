// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Search    SearchConfig    `mapstructure:"search"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Drain     DrainConfig     `mapstructure:"drain"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Dataset   DatasetConfig   `mapstructure:"dataset"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	ReadTimeoutSec  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSec int    `mapstructure:"write_timeout_seconds"`
	NotFoundMode    string `mapstructure:"not_found_mode"`
}

// SearchConfig bounds request parameters for /search callers.
type SearchConfig struct {
	MaxResultsDefault  int `mapstructure:"max_results_default"`
	MaxResultsLimit    int `mapstructure:"max_results_limit"`
	TimeoutSecsDefault int `mapstructure:"timeout_seconds_default"`
	TimeoutSecsLimit   int `mapstructure:"timeout_seconds_limit"`
}

// PoolConfig sets worker pool defaults and the idle retirement policy.
type PoolConfig struct {
	QueueDepth             int `mapstructure:"queue_depth"`
	DiscoveryWorkers       int `mapstructure:"discovery_workers"`
	MaxConcurrencyDefault  int `mapstructure:"max_concurrency_default"`
	MaxConcurrencyLimit    int `mapstructure:"max_concurrency_limit"`
	MaxRetriesDefault      int `mapstructure:"max_retries_default"`
	PageTimeoutSecsDefault int `mapstructure:"page_timeout_seconds_default"`
	RenderWaitSecsDefault  int `mapstructure:"render_wait_seconds_default"`
	IdleTTLSecs            int `mapstructure:"idle_ttl_seconds"`
}

// DiscoveryConfig configures the SERP fetch side.
type DiscoveryConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	UserAgent      string            `mapstructure:"user_agent"`
	TimeoutSecs    int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	ProxyGroupURLs map[string]string `mapstructure:"proxy_group_urls"`
}

// DrainConfig controls deadline shortening on shutdown signals.
type DrainConfig struct {
	GraceSecs int `mapstructure:"grace_seconds"`
}

// StorageConfig sets the raw page archive destination.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatasetConfig sets where finished result rows are appended.
type DatasetConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
	Dir     string `mapstructure:"dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCHSCRAPER")
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
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 300)
	v.SetDefault("server.not_found_mode", "error")
	v.SetDefault("search.max_results_default", 3)
	v.SetDefault("search.max_results_limit", 10)
	v.SetDefault("search.timeout_seconds_default", 40)
	v.SetDefault("search.timeout_seconds_limit", 300)
	v.SetDefault("pool.queue_depth", 64)
	v.SetDefault("pool.discovery_workers", 2)
	v.SetDefault("pool.max_concurrency_default", 2)
	v.SetDefault("pool.max_concurrency_limit", 8)
	v.SetDefault("pool.max_retries_default", 1)
	v.SetDefault("pool.page_timeout_seconds_default", 45)
	v.SetDefault("pool.render_wait_seconds_default", 0)
	v.SetDefault("pool.idle_ttl_seconds", 300)
	v.SetDefault("discovery.base_url", "https://html.duckduckgo.com/html/")
	v.SetDefault("discovery.user_agent", "searchscraper-bot/0.1")
	v.SetDefault("discovery.timeout_seconds", 15)
	v.SetDefault("discovery.max_retries", 2)
	v.SetDefault("drain.grace_seconds", 20)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("dataset.backend", "fs")
	v.SetDefault("dataset.table", "search_results")
	v.SetDefault("dataset.dir", "datasets")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.NotFoundMode != "error" && c.Server.NotFoundMode != "info" {
		return fmt.Errorf("server.not_found_mode must be error or info")
	}
	if c.Search.MaxResultsDefault <= 0 {
		return fmt.Errorf("search.max_results_default must be > 0")
	}
	if c.Search.MaxResultsLimit < c.Search.MaxResultsDefault {
		return fmt.Errorf("search.max_results_limit must be >= search.max_results_default")
	}
	if c.Search.TimeoutSecsDefault <= 0 {
		return fmt.Errorf("search.timeout_seconds_default must be > 0")
	}
	if c.Search.TimeoutSecsLimit < c.Search.TimeoutSecsDefault {
		return fmt.Errorf("search.timeout_seconds_limit must be >= search.timeout_seconds_default")
	}
	if c.Pool.QueueDepth <= 0 {
		return fmt.Errorf("pool.queue_depth must be > 0")
	}
	if c.Pool.DiscoveryWorkers <= 0 {
		return fmt.Errorf("pool.discovery_workers must be > 0")
	}
	if c.Pool.MaxConcurrencyDefault <= 0 {
		return fmt.Errorf("pool.max_concurrency_default must be > 0")
	}
	if c.Pool.MaxConcurrencyLimit < c.Pool.MaxConcurrencyDefault {
		return fmt.Errorf("pool.max_concurrency_limit must be >= pool.max_concurrency_default")
	}
	if c.Pool.PageTimeoutSecsDefault <= 0 {
		return fmt.Errorf("pool.page_timeout_seconds_default must be > 0")
	}
	if c.Pool.IdleTTLSecs <= 0 {
		return fmt.Errorf("pool.idle_ttl_seconds must be > 0")
	}
	if c.Discovery.BaseURL == "" {
		return fmt.Errorf("discovery.base_url must be set")
	}
	if c.Drain.GraceSecs <= 0 {
		return fmt.Errorf("drain.grace_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or gcs")
	}
	switch c.Dataset.Backend {
	case "fs":
		if c.Dataset.Dir == "" {
			return fmt.Errorf("dataset.dir must be set when dataset.backend is fs")
		}
	case "postgres":
		if c.Dataset.DSN == "" {
			return fmt.Errorf("dataset.dsn must be set when dataset.backend is postgres")
		}
		if c.Dataset.Table == "" {
			return fmt.Errorf("dataset.table must be set when dataset.backend is postgres")
		}
	default:
		return fmt.Errorf("dataset.backend must be fs or postgres")
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub.enabled is true")
		}
		if c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.topic_name must be set when pubsub.enabled is true")
		}
	}
	return nil
}
