// Package config loads the oracle configuration from file, environment and
// defaults. Values outside their documented ranges are clamped at load time
// rather than rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Feeds              []string `mapstructure:"feeds"`
	HTTPPort           int      `mapstructure:"http_port"`
	DBPath             string   `mapstructure:"db_path"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	CacheSize          int      `mapstructure:"cache_size"`
	CacheTTLSecs       int      `mapstructure:"cache_ttl_secs"`
	MaxHopsDefault     int      `mapstructure:"max_hops_default"`
	MaxHopsCeiling     int      `mapstructure:"max_hops_ceiling"`
	DVMEnabled         bool     `mapstructure:"dvm_enabled"`
	DVMPrivateKey      string   `mapstructure:"dvm_private_key"`
	LogLevel           string   `mapstructure:"log_level"`

	Network NetworkConfig `mapstructure:"network"`
	Persist PersistConfig `mapstructure:"persist"`
}

// NetworkConfig tunes feed reconnect behavior.
type NetworkConfig struct {
	InitialBackoffSeconds int     `mapstructure:"initial_backoff_seconds"`
	MaxBackoffSeconds     int     `mapstructure:"max_backoff_seconds"`
	BackoffJitter         float64 `mapstructure:"backoff_jitter"`
}

// PersistConfig tunes the mirror writer.
type PersistConfig struct {
	QueueCapacity     int `mapstructure:"queue_capacity"`
	BatchSize         int `mapstructure:"batch_size"`
	DrainGraceSeconds int `mapstructure:"drain_grace_seconds"`
}

// CacheTTL is CacheTTLSecs as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// DrainGrace is the writer shutdown grace period as a duration.
func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.Persist.DrainGraceSeconds) * time.Second
}

// Load reads the configuration from config.yaml (searched in ., ./config and
// /etc/wot-oracle/), overridden by WOT_-prefixed environment variables.
func Load(log *logrus.Logger) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/wot-oracle/")
	viper.SetEnvPrefix("WOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("feeds", []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.nostr.band",
	})
	viper.SetDefault("http_port", 8090)
	viper.SetDefault("db_path", "wot-oracle.db")
	viper.SetDefault("rate_limit_per_minute", 120)
	viper.SetDefault("cache_size", 10000)
	viper.SetDefault("cache_ttl_secs", 300)
	viper.SetDefault("max_hops_default", 3)
	viper.SetDefault("max_hops_ceiling", 5)
	viper.SetDefault("dvm_enabled", false)
	viper.SetDefault("dvm_private_key", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("network.initial_backoff_seconds", 1)
	viper.SetDefault("network.max_backoff_seconds", 60)
	viper.SetDefault("network.backoff_jitter", 0.2)
	viper.SetDefault("persist.queue_capacity", 4096)
	viper.SetDefault("persist.batch_size", 100)
	viper.SetDefault("persist.drain_grace_seconds", 5)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info("no config file found, using defaults and environment")
	} else {
		log.WithField("file", viper.ConfigFileUsed()).Info("using config file")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("at least one feed URL is required")
	}

	cfg.clamp(log)

	if cfg.DVMEnabled {
		sk, err := normalizeSecretKey(cfg.DVMPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("dvm_private_key: %w", err)
		}
		cfg.DVMPrivateKey = sk
	}

	return &cfg, nil
}

func (c *Config) clamp(log *logrus.Logger) {
	c.CacheSize = clampInt(log, "cache_size", c.CacheSize, 100, 100000)
	c.CacheTTLSecs = clampInt(log, "cache_ttl_secs", c.CacheTTLSecs, 10, 3600)
	c.MaxHopsCeiling = clampInt(log, "max_hops_ceiling", c.MaxHopsCeiling, 1, 5)
	c.MaxHopsDefault = clampInt(log, "max_hops_default", c.MaxHopsDefault, 1, c.MaxHopsCeiling)
	c.RateLimitPerMinute = clampInt(log, "rate_limit_per_minute", c.RateLimitPerMinute, 1, 100000)
	c.Persist.BatchSize = clampInt(log, "persist.batch_size", c.Persist.BatchSize, 1, 10000)
	c.Persist.QueueCapacity = clampInt(log, "persist.queue_capacity", c.Persist.QueueCapacity, 1, 1<<20)
}

func clampInt(log *logrus.Logger, key string, v, lo, hi int) int {
	clamped := v
	if clamped < lo {
		clamped = lo
	}
	if clamped > hi {
		clamped = hi
	}
	if clamped != v {
		log.WithFields(logrus.Fields{"key": key, "value": v, "clamped": clamped}).Warn("config value out of range")
	}
	return clamped
}

// normalizeSecretKey accepts a hex or nsec secret key and returns hex.
func normalizeSecretKey(sk string) (string, error) {
	if sk == "" {
		return "", fmt.Errorf("required when dvm_enabled is set")
	}
	if prefix, data, err := nip19.Decode(sk); err == nil {
		if prefix != "nsec" {
			return "", fmt.Errorf("bech32 key is not an nsec")
		}
		if s, ok := data.(string); ok {
			return s, nil
		}
		return "", fmt.Errorf("unexpected nsec payload type")
	}
	if len(sk) != 64 {
		return "", fmt.Errorf("not a 64-character hex key or nsec")
	}
	return strings.ToLower(sk), nil
}
