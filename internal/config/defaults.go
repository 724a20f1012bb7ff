package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimitPerMinute = 600
	cfg.Server.RateLimitBurst = 50

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/riley/autonomy.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.LogPath = "/var/log/riley/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 90
	cfg.Audit.Compress = true
	cfg.Audit.BufferSize = 100
	cfg.Audit.FlushInterval = 5 * time.Second
	cfg.Audit.RetentionDays = 365

	// Autonomy defaults
	cfg.Autonomy.PolicyFile = "/etc/riley/autonomy-policy.yaml"
	cfg.Autonomy.WatchPolicyFile = true
	cfg.Autonomy.WindowMaxSamples = 100
	cfg.Autonomy.WindowMaxAge = 30 * 24 * time.Hour
	cfg.Autonomy.ResetWindowOnTransition = true

	// Shadow defaults: equal weights
	cfg.Shadow.Weights = map[string]float64{}
	cfg.Shadow.Scales = map[string]float64{}
	cfg.Shadow.DefaultWeight = 1
	cfg.Shadow.DefaultScale = 1
	cfg.Shadow.FinalizedCacheSize = 1024

	// Learning defaults
	cfg.Learning.MinSupport = 3
	cfg.Learning.MaxExamples = 3
	cfg.Learning.Buckets = []Bucket{
		{Name: "mismatch", MaxScore: 0.5, Proposal: "guideline_update"},
		{Name: "drift", MaxScore: 0.8, Proposal: "criteria_update"},
	}
	cfg.Learning.ReviewWebhookTimeout = 10 * time.Second

	// Persistence defaults
	cfg.Persistence.QueueSize = 1024
	cfg.Persistence.Workers = 4
	cfg.Persistence.MaxAttempts = 5
	cfg.Persistence.InitialBackoff = 100 * time.Millisecond
	cfg.Persistence.MaxBackoff = 5 * time.Second
	cfg.Persistence.DrainTimeout = 10 * time.Second
	cfg.Persistence.MaxFailures = 256

	// Alert defaults
	cfg.Alerts.RatePerMinute = 6
	cfg.Alerts.Burst = 3
	cfg.Alerts.MaxKeys = 4096

	return cfg
}
