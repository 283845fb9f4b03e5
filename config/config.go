// Package config defines the configuration surface for the damper middleware
// stack and loads it from YAML, merging user values over reference defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use Go duration strings
// ("30s", "1h30m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheConfig configures the response cache store.
type CacheConfig struct {
	Enabled    *bool    `yaml:"enabled,omitempty"`
	TTL        Duration `yaml:"ttl,omitempty"`
	MaxEntries int      `yaml:"max_entries,omitempty"`
	Directory  string   `yaml:"directory,omitempty"`
}

// IsEnabled reports whether caching is on (default true).
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RetryConfig configures the retry decision engine and quick-tier loop.
type RetryConfig struct {
	QuickMaxRetries        int      `yaml:"quick_max_retries,omitempty"`
	QuickInitialDelay      Duration `yaml:"quick_initial_delay,omitempty"`
	QuickMaxDelay          Duration `yaml:"quick_max_delay,omitempty"`
	QuickBackoffMultiplier float64  `yaml:"quick_backoff_multiplier,omitempty"`
	LongRetryEnabled       *bool    `yaml:"long_retry_enabled,omitempty"`
	MaxLongRetryDuration   Duration `yaml:"max_long_retry_duration,omitempty"`
	MaxLongRetries         int      `yaml:"max_long_retries,omitempty"`
	RespectRetryAfter      *bool    `yaml:"respect_retry_after,omitempty"`
	NetworkErrorCodes      []string `yaml:"network_error_codes,omitempty"`
}

// IsLongRetryEnabled reports whether the persistent queue tier is on
// (default true).
func (c RetryConfig) IsLongRetryEnabled() bool {
	return c.LongRetryEnabled == nil || *c.LongRetryEnabled
}

// ShouldRespectRetryAfter reports whether explicit Retry-After hints take
// precedence over computed backoff (default true).
func (c RetryConfig) ShouldRespectRetryAfter() bool {
	return c.RespectRetryAfter == nil || *c.RespectRetryAfter
}

// QueueConfig configures the persistent request queue.
type QueueConfig struct {
	MaxQueueSize int    `yaml:"max_queue_size,omitempty"`
	// ProcessorInterval accepts a Go duration ("30s"), a cron expression,
	// or a cron descriptor ("@every 30s").
	ProcessorInterval string `yaml:"processor_interval,omitempty"`
	Directory         string `yaml:"directory,omitempty"`
}

// StreamRecoveryConfig configures stream state mirroring and resumption.
type StreamRecoveryConfig struct {
	Enabled           *bool    `yaml:"enabled,omitempty"`
	FlushEveryNChunks int      `yaml:"flush_every_n_chunks,omitempty"`
	MaxAge            Duration `yaml:"max_age,omitempty"`
	Directory         string   `yaml:"directory,omitempty"`
}

// IsEnabled reports whether stream recovery is on (default true).
func (c StreamRecoveryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Config is the full configuration for the damper middleware stack.
type Config struct {
	Cache          CacheConfig          `yaml:"cache,omitempty"`
	Retry          RetryConfig          `yaml:"retry,omitempty"`
	Queue          QueueConfig          `yaml:"queue,omitempty"`
	StreamRecovery StreamRecoveryConfig `yaml:"stream_recovery,omitempty"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:        Duration(1 * time.Hour),
			MaxEntries: 1000,
			Directory:  defaultStateDir("cache"),
		},
		Retry: RetryConfig{
			QuickMaxRetries:        3,
			QuickInitialDelay:      Duration(1 * time.Second),
			QuickMaxDelay:          Duration(60 * time.Second),
			QuickBackoffMultiplier: 2.0,
			MaxLongRetryDuration:   Duration(30 * time.Minute),
			MaxLongRetries:         5,
			NetworkErrorCodes: []string{
				"ECONNRESET",
				"ECONNREFUSED",
				"ETIMEDOUT",
				"ENOTFOUND",
				"EAI_AGAIN",
				"EPIPE",
			},
		},
		Queue: QueueConfig{
			MaxQueueSize:      100,
			ProcessorInterval: "@every 30s",
			Directory:         defaultStateDir("queue"),
		},
		StreamRecovery: StreamRecoveryConfig{
			FlushEveryNChunks: 50,
			MaxAge:            Duration(24 * time.Hour),
			Directory:         defaultStateDir("streams"),
		},
	}
}

// Load reads a YAML config file, merging its values over Default(). A
// missing file yields the defaults. The path can be overridden via the
// DAMPER_CONFIG_PATH environment variable.
func Load(path string) (*Config, error) {
	if envPath := os.Getenv("DAMPER_CONFIG_PATH"); envPath != "" {
		path = envPath
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: config path is user-specified
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}
	return cfg, nil
}

// defaultStateDir resolves a per-component state directory under the user's
// home, falling back to a relative path when the home dir is unknown.
func defaultStateDir(component string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".damper", component)
	}
	return filepath.Join(homeDir, ".damper", component)
}
