// Package config centralizes daemon configuration: YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds the batch write sink settings
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	CallLog   string `yaml:"call_log"`   // optional JSON call-log file
}

// ObservabilityConfig holds tracing settings
type ObservabilityConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http or stdout
	Endpoint string `yaml:"endpoint"`
}

// BreakerConfig holds default circuit breaker thresholds applied to
// every dependency unless overridden per name.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// ClientConfig holds resilient client retry defaults
type ClientConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

// TokenConfig holds token manager settings
type TokenConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	SharedSecret     string        `yaml:"shared_secret"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
}

// BatchConfig holds request batcher settings
type BatchConfig struct {
	MaxSize  int           `yaml:"max_size"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// HealthConfig holds health monitor settings
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// CacheConfig holds TTL cache settings
type CacheConfig struct {
	Capacity      int           `yaml:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Daemon        DaemonConfig        `yaml:"daemon"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Observability ObservabilityConfig `yaml:"observability"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Client        ClientConfig        `yaml:"client"`
	Token         TokenConfig         `yaml:"token"`
	Batch         BatchConfig         `yaml:"batch"`
	Health        HealthConfig        `yaml:"health"`
	Cache         CacheConfig         `yaml:"cache"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr:  ":8080",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			KeyPrefix: "lingokit:cache:",
		},
		Observability: ObservabilityConfig{
			Enabled:  false,
			Exporter: "otlp-http",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			MonitoringPeriod: time.Minute,
			SuccessThreshold: 2,
		},
		Client: ClientConfig{
			MaxRetries:         3,
			BaseDelay:          time.Second,
			MaxDelay:           10 * time.Second,
			ExponentialBackoff: true,
			Timeout:            30 * time.Second,
			CacheTTL:           5 * time.Minute,
		},
		Token: TokenConfig{
			RefreshThreshold: 2 * time.Minute,
		},
		Batch: BatchConfig{
			MaxSize:  10,
			MaxDelay: 5 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:      1000,
			SweepInterval: time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LINGOKIT_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("LINGOKIT_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("LINGOKIT_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("LINGOKIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LINGOKIT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LINGOKIT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("LINGOKIT_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("LINGOKIT_TOKEN_ENDPOINT"); v != "" {
		cfg.Token.Endpoint = v
	}
	if v := os.Getenv("LINGOKIT_TOKEN_SECRET"); v != "" {
		cfg.Token.SharedSecret = v
	}
	if v := os.Getenv("LINGOKIT_OTEL_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LINGOKIT_OTEL_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
}
