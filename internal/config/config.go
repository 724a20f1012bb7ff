package config

import (
	"context"
	"time"
)

// Package config provides configuration management for the autonomy service.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (RILEY_* prefix, "." replaced by "_")
//  2. YAML config file (default: /etc/riley/config.yaml)
//  3. Built-in defaults
//
// Tenant autonomy policies are not part of this file. They live in the
// policy file named by autonomy.policy_file and are loaded by the autonomy
// registry.
//
// Main Configuration Sections:
//
//  1. Server: host, port, allowed websocket origins, timeouts
//  2. Database: sqlite path (":memory:" for ephemeral runs)
//  3. Logging: level, format, optional rotated file
//  4. Audit: rotated audit log and buffering
//  5. Autonomy: policy file, outcome window, window reset on transition
//  6. Shadow: per-dimension comparison weights and numeric scales
//  7. Learning: minimum support, deviation buckets, review forwarding
//  8. Persistence: background writer queue, workers and retry backoff
//  9. Alerts: per-key alert throttling

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Host string
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins  []string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		// RateLimitPerMinute throttles API requests per client; 0 disables it.
		RateLimitPerMinute float64
		RateLimitBurst     int
	}

	Database struct {
		SQLitePath string
	}

	Logging struct {
		Level      string
		Format     string
		Path       string // empty logs to stderr
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	Audit struct {
		LogPath       string
		MaxSizeMB     int
		MaxBackups    int
		MaxAgeDays    int
		Compress      bool
		BufferSize    int
		FlushInterval time.Duration
		// RetentionDays prunes persisted audit events; 0 keeps them forever.
		RetentionDays int
	}

	Autonomy struct {
		PolicyFile              string
		WatchPolicyFile         bool
		WindowMaxSamples        int
		WindowMaxAge            time.Duration
		ResetWindowOnTransition bool
	}

	Shadow struct {
		Weights            map[string]float64
		Scales             map[string]float64
		DefaultWeight      float64
		DefaultScale       float64
		FinalizedCacheSize int
	}

	Learning struct {
		MinSupport           int
		MaxExamples          int
		Buckets              []Bucket
		ReviewWebhookURL     string
		ReviewWebhookTimeout time.Duration
	}

	Persistence struct {
		QueueSize      int
		Workers        int
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
		DrainTimeout   time.Duration
		MaxFailures    int
	}

	Alerts struct {
		RatePerMinute float64
		Burst         int
		MaxKeys       int
	}
}

// Bucket is one learning deviation bucket.
type Bucket struct {
	Name     string  `mapstructure:"name"`
	MaxScore float64 `mapstructure:"max_score"`
	Proposal string  `mapstructure:"proposal"`
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/riley/config.yaml")
}
