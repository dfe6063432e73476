// Package config loads coordinator configuration from file and environment,
// the way the teacher's config package layers a mapstructure-tagged struct
// over viper with environment overrides for sensitive values.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	// Storage holds the on-disk layout root and optional remote mirror.
	Storage struct {
		Root     string `mapstructure:"root"`
		S3Bucket string `mapstructure:"s3_bucket"`
		S3Region string `mapstructure:"s3_region"`
	} `mapstructure:"storage"`

	// Server holds the HTTP bind address and request admission limits.
	Server struct {
		BindAddress      string        `mapstructure:"bind_address"`
		WorkerCount      int           `mapstructure:"worker_count"`
		RequestQueueSize int           `mapstructure:"request_queue_size"`
		RatePerMinute    int           `mapstructure:"rate_per_minute"`
		ShutdownGrace    time.Duration `mapstructure:"shutdown_grace"`
	} `mapstructure:"server"`

	// Security toggles authentication and key management.
	Security struct {
		Enabled    bool   `mapstructure:"enabled"`
		Passphrase string `mapstructure:"passphrase"`
	} `mapstructure:"security"`

	// Redis backs the MetricSink delivery queue.
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	// MetricSink describes the external tracking endpoint.
	MetricSink struct {
		Endpoint   string        `mapstructure:"endpoint"`
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"metric_sink"`

	// Registry holds the client-liveness staleness threshold.
	Registry struct {
		StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	} `mapstructure:"registry"`
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Storage.Root = "./data"

	cfg.Server.BindAddress = ":8443"
	cfg.Server.WorkerCount = 5
	cfg.Server.RequestQueueSize = 64
	cfg.Server.RatePerMinute = 120
	cfg.Server.ShutdownGrace = 30 * time.Second

	cfg.Security.Enabled = true

	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Redis.DB = 0

	cfg.MetricSink.MaxRetries = 5
	cfg.MetricSink.RetryDelay = 2 * time.Second

	cfg.Registry.StalenessThreshold = 10 * time.Minute

	return cfg
}

// Load reads configuration from ./flcoordinator.yaml (or
// $HOME/.flcoordinator/flcoordinator.yaml) and overlays FLC_-prefixed environment variables, following
// the teacher's LLMRT_ prefix convention.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("flcoordinator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.flcoordinator")

	v.SetEnvPrefix("FLC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// LoadFrom reads configuration from an explicit file path, overlaying the
// same FLC_-prefixed environment variables as Load.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("FLC")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
