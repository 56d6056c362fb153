package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Pipeline  PipelineConfig
	Bridge    BridgeConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// PipelineConfig holds worker lifecycle defaults.
type PipelineConfig struct {
	// Definitions is the path to the YAML pipeline definition file.
	Definitions    string        `envconfig:"PIPELINE_DEFS" default:"pipelines.yaml"`
	StartupTimeout time.Duration `envconfig:"PIPELINE_STARTUP_TIMEOUT" default:"5s"`
	StopGrace      time.Duration `envconfig:"PIPELINE_STOP_GRACE" default:"5s"`
	StepInterval   time.Duration `envconfig:"PIPELINE_STEP_INTERVAL" default:"10ms"`
	Heartbeat      time.Duration `envconfig:"PIPELINE_HEARTBEAT" default:"1s"`
}

// BridgeConfig holds subscriber fan-out configuration.
type BridgeConfig struct {
	// OutboxLimit bounds undelivered data messages per subscriber.
	OutboxLimit int `envconfig:"BRIDGE_OUTBOX_LIMIT" default:"64"`
	// CompressMin is the payload size in bytes above which record
	// payloads are gzip-compressed on the wire. Zero disables.
	CompressMin int `envconfig:"BRIDGE_COMPRESS_MIN" default:"4096"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Log: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Pipeline: PipelineConfig{
			Definitions:    "pipelines.yaml",
			StartupTimeout: 5 * time.Second,
			StopGrace:      5 * time.Second,
			StepInterval:   10 * time.Millisecond,
			Heartbeat:      time.Second,
		},
		Bridge: BridgeConfig{
			OutboxLimit: 64,
			CompressMin: 4096,
		},
	}
}
