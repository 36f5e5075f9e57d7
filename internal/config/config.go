// Package config loads service configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Push     PushConfig     `koanf:"push"`
	Worker   WorkerConfig   `koanf:"worker"`
	Log      LogConfig      `koanf:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// PushConfig contains push delivery capability settings. With Enabled false
// the worker runs in degraded mode and never contacts FCM.
type PushConfig struct {
	Enabled   bool          `koanf:"enabled"`
	ServerKey string        `koanf:"server_key"`
	Endpoint  string        `koanf:"endpoint"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
}

// WorkerConfig contains delivery worker settings.
type WorkerConfig struct {
	PollInterval         time.Duration `koanf:"poll_interval"`
	DegradedPollInterval time.Duration `koanf:"degraded_poll_interval"`
	MaxRetries           int           `koanf:"max_retries"`
	NumWorkers           int           `koanf:"num_workers"`
	StuckJobTimeout      time.Duration `koanf:"stuck_job_timeout"`
	JanitorInterval      time.Duration `koanf:"janitor_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Push: PushConfig{
			Timeout:   10 * time.Second,
			RateLimit: 10,
		},
		Worker: WorkerConfig{
			PollInterval:         10 * time.Second,
			DegradedPollInterval: 30 * time.Second,
			MaxRetries:           5,
			NumWorkers:           1,
			StuckJobTimeout:      5 * time.Minute,
			JanitorInterval:      time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// STREAMSYNC_ environment overrides. Env keys use double underscores as
// section separators, e.g. STREAMSYNC_DATABASE__URL -> database.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: "STREAMSYNC_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, "STREAMSYNC_")
			key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	if cfg.Push.Enabled && cfg.Push.ServerKey == "" {
		return nil, errors.New("push.server_key is required when push is enabled")
	}

	return cfg, nil
}
