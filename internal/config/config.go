// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Status  StatusConfig  `mapstructure:"status"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CacheConfig governs the entry store.
type CacheConfig struct {
	Capacity         int `mapstructure:"capacity"`
	SweepIntervalSec int `mapstructure:"sweep_interval_seconds"`
	DefaultTTLSec    int `mapstructure:"default_ttl_seconds"`
}

// StatusConfig governs notification timing.
type StatusConfig struct {
	DebounceMs           int `mapstructure:"debounce_ms"`
	ReconcileIntervalSec int `mapstructure:"reconcile_interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STATECACHE")
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
	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.sweep_interval_seconds", 120)
	v.SetDefault("cache.default_ttl_seconds", 300)
	v.SetDefault("status.debounce_ms", 75)
	v.SetDefault("status.reconcile_interval_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Cache.SweepIntervalSec <= 0 {
		return fmt.Errorf("cache.sweep_interval_seconds must be > 0")
	}
	if c.Cache.DefaultTTLSec <= 0 {
		return fmt.Errorf("cache.default_ttl_seconds must be > 0")
	}
	if c.Status.DebounceMs <= 0 {
		return fmt.Errorf("status.debounce_ms must be > 0")
	}
	if c.Status.ReconcileIntervalSec <= 0 {
		return fmt.Errorf("status.reconcile_interval_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SweepInterval converts the sweep knob to a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSec) * time.Second
}

// DefaultTTL converts the TTL knob to a duration.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.Cache.DefaultTTLSec) * time.Second
}

// DebounceWindow converts the debounce knob to a duration.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.Status.DebounceMs) * time.Millisecond
}

// ReconcileInterval converts the reconciliation knob to a duration.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Status.ReconcileIntervalSec) * time.Second
}
