package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("RILEY")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// A missing file is fine: defaults and env vars still apply.
	if err := m.readConfigFile(); err != nil {
		return err
	}

	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides(cfg)
	m.set(cfg)
	return nil
}

func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *viperConfigManager) set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	return joinValidation(m.Get(ctx).Validate())
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var errMsgs []string
	for _, err := range errs {
		errMsgs = append(errMsgs, err.Error())
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

// Watch watches for configuration changes. Only configurations that pass
// validation are applied and sent.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.unmarshalConfig()
		if err != nil {
			return
		}
		m.applyEnvOverrides(cfg)
		if len(cfg.Validate()) > 0 {
			return
		}
		m.set(cfg)
		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources. An invalid result is rejected
// and the current configuration stays in place.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides(cfg)
	if err := joinValidation(cfg.Validate()); err != nil {
		return err
	}
	m.set(cfg)
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)
	m.viper.SetDefault("server.rate_limit_burst", defaults.Server.RateLimitBurst)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.path", defaults.Logging.Path)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)
	m.viper.SetDefault("audit.buffer_size", defaults.Audit.BufferSize)
	m.viper.SetDefault("audit.flush_interval", defaults.Audit.FlushInterval)
	m.viper.SetDefault("audit.retention_days", defaults.Audit.RetentionDays)

	// Autonomy defaults
	m.viper.SetDefault("autonomy.policy_file", defaults.Autonomy.PolicyFile)
	m.viper.SetDefault("autonomy.watch_policy_file", defaults.Autonomy.WatchPolicyFile)
	m.viper.SetDefault("autonomy.window_max_samples", defaults.Autonomy.WindowMaxSamples)
	m.viper.SetDefault("autonomy.window_max_age", defaults.Autonomy.WindowMaxAge)
	m.viper.SetDefault("autonomy.reset_window_on_transition", defaults.Autonomy.ResetWindowOnTransition)

	// Shadow defaults
	m.viper.SetDefault("shadow.weights", defaults.Shadow.Weights)
	m.viper.SetDefault("shadow.scales", defaults.Shadow.Scales)
	m.viper.SetDefault("shadow.default_weight", defaults.Shadow.DefaultWeight)
	m.viper.SetDefault("shadow.default_scale", defaults.Shadow.DefaultScale)
	m.viper.SetDefault("shadow.finalized_cache_size", defaults.Shadow.FinalizedCacheSize)

	// Learning defaults
	m.viper.SetDefault("learning.min_support", defaults.Learning.MinSupport)
	m.viper.SetDefault("learning.max_examples", defaults.Learning.MaxExamples)
	m.viper.SetDefault("learning.buckets", bucketDefaults(defaults.Learning.Buckets))
	m.viper.SetDefault("learning.review_webhook_url", defaults.Learning.ReviewWebhookURL)
	m.viper.SetDefault("learning.review_webhook_timeout", defaults.Learning.ReviewWebhookTimeout)

	// Persistence defaults
	m.viper.SetDefault("persistence.queue_size", defaults.Persistence.QueueSize)
	m.viper.SetDefault("persistence.workers", defaults.Persistence.Workers)
	m.viper.SetDefault("persistence.max_attempts", defaults.Persistence.MaxAttempts)
	m.viper.SetDefault("persistence.initial_backoff", defaults.Persistence.InitialBackoff)
	m.viper.SetDefault("persistence.max_backoff", defaults.Persistence.MaxBackoff)
	m.viper.SetDefault("persistence.drain_timeout", defaults.Persistence.DrainTimeout)
	m.viper.SetDefault("persistence.max_failures", defaults.Persistence.MaxFailures)

	// Alert defaults
	m.viper.SetDefault("alerts.rate_per_minute", defaults.Alerts.RatePerMinute)
	m.viper.SetDefault("alerts.burst", defaults.Alerts.Burst)
	m.viper.SetDefault("alerts.max_keys", defaults.Alerts.MaxKeys)
}

// bucketDefaults renders buckets in the shape a YAML list decodes to, so
// defaults and file values go through the same decoder.
func bucketDefaults(buckets []Bucket) []map[string]any {
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, map[string]any{
			"name":      b.Name,
			"max_score": b.MaxScore,
			"proposal":  b.Proposal,
		})
	}
	return out
}

// unmarshalConfig reads the viper state into a fresh Config.
func (m *viperConfigManager) unmarshalConfig() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeout = m.viper.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetDuration("server.write_timeout")
	cfg.Server.ShutdownTimeout = m.viper.GetDuration("server.shutdown_timeout")
	cfg.Server.RateLimitPerMinute = m.viper.GetFloat64("server.rate_limit_per_minute")
	cfg.Server.RateLimitBurst = m.viper.GetInt("server.rate_limit_burst")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.Path = m.viper.GetString("logging.path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")
	cfg.Audit.BufferSize = m.viper.GetInt("audit.buffer_size")
	cfg.Audit.FlushInterval = m.viper.GetDuration("audit.flush_interval")
	cfg.Audit.RetentionDays = m.viper.GetInt("audit.retention_days")

	// Autonomy
	cfg.Autonomy.PolicyFile = m.viper.GetString("autonomy.policy_file")
	cfg.Autonomy.WatchPolicyFile = m.viper.GetBool("autonomy.watch_policy_file")
	cfg.Autonomy.WindowMaxSamples = m.viper.GetInt("autonomy.window_max_samples")
	cfg.Autonomy.WindowMaxAge = m.viper.GetDuration("autonomy.window_max_age")
	cfg.Autonomy.ResetWindowOnTransition = m.viper.GetBool("autonomy.reset_window_on_transition")

	// Shadow
	if err := m.viper.UnmarshalKey("shadow.weights", &cfg.Shadow.Weights); err != nil {
		return nil, fmt.Errorf("shadow.weights: %w", err)
	}
	if err := m.viper.UnmarshalKey("shadow.scales", &cfg.Shadow.Scales); err != nil {
		return nil, fmt.Errorf("shadow.scales: %w", err)
	}
	cfg.Shadow.DefaultWeight = m.viper.GetFloat64("shadow.default_weight")
	cfg.Shadow.DefaultScale = m.viper.GetFloat64("shadow.default_scale")
	cfg.Shadow.FinalizedCacheSize = m.viper.GetInt("shadow.finalized_cache_size")

	// Learning
	cfg.Learning.MinSupport = m.viper.GetInt("learning.min_support")
	cfg.Learning.MaxExamples = m.viper.GetInt("learning.max_examples")
	if err := m.viper.UnmarshalKey("learning.buckets", &cfg.Learning.Buckets); err != nil {
		return nil, fmt.Errorf("learning.buckets: %w", err)
	}
	cfg.Learning.ReviewWebhookURL = m.viper.GetString("learning.review_webhook_url")
	cfg.Learning.ReviewWebhookTimeout = m.viper.GetDuration("learning.review_webhook_timeout")

	// Persistence
	cfg.Persistence.QueueSize = m.viper.GetInt("persistence.queue_size")
	cfg.Persistence.Workers = m.viper.GetInt("persistence.workers")
	cfg.Persistence.MaxAttempts = m.viper.GetInt("persistence.max_attempts")
	cfg.Persistence.InitialBackoff = m.viper.GetDuration("persistence.initial_backoff")
	cfg.Persistence.MaxBackoff = m.viper.GetDuration("persistence.max_backoff")
	cfg.Persistence.DrainTimeout = m.viper.GetDuration("persistence.drain_timeout")
	cfg.Persistence.MaxFailures = m.viper.GetInt("persistence.max_failures")

	// Alerts
	cfg.Alerts.RatePerMinute = m.viper.GetFloat64("alerts.rate_per_minute")
	cfg.Alerts.Burst = m.viper.GetInt("alerts.burst")
	cfg.Alerts.MaxKeys = m.viper.GetInt("alerts.max_keys")

	return cfg, nil
}

// applyEnvOverrides applies the unprefixed variables container platforms set.
func (m *viperConfigManager) applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" && os.Getenv("RILEY_SERVER_PORT") == "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Server.Port = p
		}
	}
}
