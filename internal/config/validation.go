package config

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var bucketName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server", "timeouts cannot be negative")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		add("server", "rate limits cannot be negative")
	}

	// Database
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, text", c.Logging.Format)
	}

	// Audit
	if c.Audit.LogPath == "" {
		add("audit.log_path", "log_path is required")
	}
	if c.Audit.BufferSize < 1 {
		add("audit.buffer_size", "buffer_size must be at least 1, got %d", c.Audit.BufferSize)
	}
	if c.Audit.FlushInterval <= 0 {
		add("audit.flush_interval", "flush_interval must be positive")
	}
	if c.Audit.RetentionDays < 0 {
		add("audit.retention_days", "retention_days cannot be negative, got %d", c.Audit.RetentionDays)
	}

	// Autonomy
	if c.Autonomy.PolicyFile == "" {
		add("autonomy.policy_file", "policy_file is required")
	}
	if c.Autonomy.WindowMaxSamples < 1 && c.Autonomy.WindowMaxAge <= 0 {
		add("autonomy.window", "at least one of window_max_samples or window_max_age is required")
	}
	if c.Autonomy.WindowMaxSamples < 0 || c.Autonomy.WindowMaxAge < 0 {
		add("autonomy.window", "window bounds cannot be negative")
	}

	// Shadow
	for name, w := range c.Shadow.Weights {
		if !positiveFinite(w) {
			add("shadow.weights."+name, "weight must be positive, got %v", w)
		}
	}
	for name, s := range c.Shadow.Scales {
		if !positiveFinite(s) {
			add("shadow.scales."+name, "scale must be positive, got %v", s)
		}
	}
	if !positiveFinite(c.Shadow.DefaultWeight) {
		add("shadow.default_weight", "default_weight must be positive, got %v", c.Shadow.DefaultWeight)
	}
	if !positiveFinite(c.Shadow.DefaultScale) {
		add("shadow.default_scale", "default_scale must be positive, got %v", c.Shadow.DefaultScale)
	}
	if c.Shadow.FinalizedCacheSize < 1 {
		add("shadow.finalized_cache_size", "finalized_cache_size must be at least 1, got %d", c.Shadow.FinalizedCacheSize)
	}

	// Learning
	if c.Learning.MinSupport < 1 {
		add("learning.min_support", "min_support must be at least 1, got %d", c.Learning.MinSupport)
	}
	if c.Learning.MaxExamples < 0 {
		add("learning.max_examples", "max_examples cannot be negative")
	}
	if len(c.Learning.Buckets) == 0 {
		add("learning.buckets", "at least one bucket is required")
	}
	prev := 0.0
	for i, b := range c.Learning.Buckets {
		field := fmt.Sprintf("learning.buckets[%d]", i)
		if !bucketName.MatchString(b.Name) {
			add(field, "invalid bucket name %q", b.Name)
		}
		if b.MaxScore <= prev || b.MaxScore > 1 {
			add(field, "max_score must be ascending within (0, 1], got %v", b.MaxScore)
		}
		prev = b.MaxScore
		if b.Proposal != "guideline_update" && b.Proposal != "criteria_update" {
			add(field, "proposal must be guideline_update or criteria_update, got %q", b.Proposal)
		}
	}
	if c.Learning.ReviewWebhookURL != "" && !strings.HasPrefix(c.Learning.ReviewWebhookURL, "http") {
		add("learning.review_webhook_url", "must be an http(s) URL")
	}

	// Persistence
	if c.Persistence.QueueSize < 1 {
		add("persistence.queue_size", "queue_size must be at least 1, got %d", c.Persistence.QueueSize)
	}
	if c.Persistence.Workers < 1 {
		add("persistence.workers", "workers must be at least 1, got %d", c.Persistence.Workers)
	}
	if c.Persistence.MaxAttempts < 1 {
		add("persistence.max_attempts", "max_attempts must be at least 1, got %d", c.Persistence.MaxAttempts)
	}
	if c.Persistence.InitialBackoff <= 0 || c.Persistence.MaxBackoff < c.Persistence.InitialBackoff {
		add("persistence.backoff", "initial_backoff must be positive and not above max_backoff")
	}

	// Alerts
	if c.Alerts.RatePerMinute < 0 {
		add("alerts.rate_per_minute", "rate_per_minute cannot be negative")
	}
	if c.Alerts.Burst < 0 {
		add("alerts.burst", "burst cannot be negative")
	}

	return errs
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
