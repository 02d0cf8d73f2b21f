// Package config provides configuration for the eventstore read path and
// subscription runtime.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tuning knobs for a ReadOnlyStore instance.
type Config struct {
	// LogName tags every log line the store and its subscriptions emit.
	LogName string `mapstructure:"log_name"`

	// MetadataCacheExpiryMs is the TTL, in milliseconds, of a cached
	// per-stream max_age entry before it is reloaded from the engine.
	MetadataCacheExpiryMs int `mapstructure:"metadata_cache_expiry_ms"`

	// MetadataCacheMaxSize bounds the number of streams held in the
	// age cache before LRU eviction kicks in.
	MetadataCacheMaxSize int `mapstructure:"metadata_cache_max_size"`

	// GapReloadIntervalMs is the delay between re-reads when the gap
	// reconciler is waiting to see whether a missing position commits.
	GapReloadIntervalMs int `mapstructure:"gap_reload_interval_ms"`

	// PollIntervalMs is the head-position notifier's poll period.
	PollIntervalMs int `mapstructure:"poll_interval_ms"`

	// SubscriptionBatchSize bounds how many messages a subscription
	// reads per catch-up/live-follow page.
	SubscriptionBatchSize int `mapstructure:"subscription_batch_size"`

	// NotifierBufferSize is the per-subscriber channel depth in the
	// notifier's multicast source; beyond this, the oldest pending
	// event is dropped rather than blocking the publisher.
	NotifierBufferSize int `mapstructure:"notifier_buffer_size"`

	// RedpandaBrokers, when non-empty, mirrors "streams updated"
	// events to the given Kafka/Redpanda brokers via pkg/sink.
	RedpandaBrokers []string `mapstructure:"redpanda_brokers"`
}

// DefaultConfig returns a configuration with the defaults named in the
// store's external interface (gap_reload_interval_ms=3000,
// poll_interval_ms=1000).
func DefaultConfig() *Config {
	return &Config{
		LogName:               "eventstore",
		MetadataCacheExpiryMs: 60_000,
		MetadataCacheMaxSize:  10_000,
		GapReloadIntervalMs:   3000,
		PollIntervalMs:        1000,
		SubscriptionBatchSize: 100,
		NotifierBufferSize:    4,
	}
}

// LoadConfig loads configuration from a file, overlaying DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks that the cache, gap-reload, poll and batch-size knobs
// are positive; notifier_buffer_size is not checked.
func (c *Config) Validate() error {
	if c.MetadataCacheExpiryMs <= 0 {
		return fmt.Errorf("config: metadata_cache_expiry_ms must be positive")
	}
	if c.MetadataCacheMaxSize <= 0 {
		return fmt.Errorf("config: metadata_cache_max_size must be positive")
	}
	if c.GapReloadIntervalMs <= 0 {
		return fmt.Errorf("config: gap_reload_interval_ms must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: poll_interval_ms must be positive")
	}
	if c.SubscriptionBatchSize <= 0 {
		return fmt.Errorf("config: subscription_batch_size must be positive")
	}
	return nil
}

// MetadataCacheExpiry returns MetadataCacheExpiryMs as a time.Duration.
func (c *Config) MetadataCacheExpiry() time.Duration {
	return time.Duration(c.MetadataCacheExpiryMs) * time.Millisecond
}

// GapReloadInterval returns GapReloadIntervalMs as a time.Duration.
func (c *Config) GapReloadInterval() time.Duration {
	return time.Duration(c.GapReloadIntervalMs) * time.Millisecond
}

// PollInterval returns PollIntervalMs as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
