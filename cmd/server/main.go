package main

// Package main is the entry point of the autonomy service.
//
// Responsibilities:
//   - Load and validate configuration from YAML and RILEY_* environment variables
//   - Open the sqlite store and start the background persistence writer
//   - Load the tenant autonomy policy and watch it for changes
//   - Restore autonomy levels and learned patterns from the store
//   - Serve the REST API, Prometheus metrics and the live event stream
//   - Shut down gracefully on SIGINT/SIGTERM, draining pending writes
//
// The configuration file path comes from RILEY_CONFIG_FILE
// (default /etc/riley/config.yaml). A missing file means built-in defaults.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dstep24/rileyrecruiter-sub005/internal/alert"
	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/config"
	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
	"github.com/dstep24/rileyrecruiter-sub005/internal/logging"
	"github.com/dstep24/rileyrecruiter-sub005/internal/persistence"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
	"github.com/dstep24/rileyrecruiter-sub005/internal/server"
	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

const defaultConfigPath = "/etc/riley/config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autonomy service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("RILEY_CONFIG_FILE")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Storage
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// The notifier depends on the audit logger, which writes through the
	// persistence writer; the writer reaches the notifier late.
	var notifier *alert.Notifier
	writer := persistence.NewWriter(store, persistence.Config{
		Workers:         cfg.Persistence.Workers,
		QueueSize:       cfg.Persistence.QueueSize,
		MaxRetries:      uint(cfg.Persistence.MaxAttempts),
		InitialInterval: cfg.Persistence.InitialBackoff,
		MaxInterval:     cfg.Persistence.MaxBackoff,
		MaxFailures:     cfg.Persistence.MaxFailures,
		DrainTimeout:    cfg.Persistence.DrainTimeout,
	},
		persistence.WithLogger(logger.Named("persistence")),
		persistence.WithAlerter(persistence.AlerterFunc(func(ctx context.Context, a alert.Alert) bool {
			if notifier == nil {
				return false
			}
			return notifier.Raise(ctx, a)
		})),
	)

	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath:  cfg.Audit.LogPath,
		MaxSize:       cfg.Audit.MaxSizeMB,
		MaxBackups:    cfg.Audit.MaxBackups,
		MaxAge:        cfg.Audit.MaxAgeDays,
		Compress:      cfg.Audit.Compress,
		BufferSize:    cfg.Audit.BufferSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger, writer)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	defer auditLog.Close()

	// Alerts and live events
	hub := server.NewHub(logger.Named("events"))
	notifier, err = alert.NewNotifier(alert.Config{
		RatePerMinute: cfg.Alerts.RatePerMinute,
		Burst:         cfg.Alerts.Burst,
		MaxKeys:       cfg.Alerts.MaxKeys,
	}, logger, auditLog)
	if err != nil {
		return fmt.Errorf("failed to create alert notifier: %w", err)
	}
	notifier.Subscribe(hub)

	// Autonomy
	registry, err := autonomy.LoadRegistry(cfg.Autonomy.PolicyFile, logger.Named("policy"))
	if err != nil {
		return fmt.Errorf("failed to load autonomy policy: %w", err)
	}
	registry.OnReload(func(*autonomy.PolicySet) {
		_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventAutonomyPolicyReload).
			WithResource(cfg.Autonomy.PolicyFile, "policy_file"))
	})
	windows := outcomes.NewMemoryWindowStore(outcomes.WindowConfig{
		MaxSamples: cfg.Autonomy.WindowMaxSamples,
		MaxAge:     cfg.Autonomy.WindowMaxAge,
	})
	controller := autonomy.NewAutonomyController(
		autonomy.NewMemoryStateStore(),
		outcomes.NewAggregator(windows),
		registry,
		autonomy.WithTransitionSink(writer),
		autonomy.WithAlerter(notifier),
		autonomy.WithAuditLogger(auditLog),
		autonomy.WithLogger(logger.Named("autonomy")),
		autonomy.WithWindowReset(cfg.Autonomy.ResetWindowOnTransition),
	)

	// Learning
	analyzer, err := learning.NewAnalyzer(learning.AnalyzerConfig{
		MinSupport:  cfg.Learning.MinSupport,
		MaxExamples: cfg.Learning.MaxExamples,
		Buckets:     learningBuckets(cfg.Learning.Buckets),
	})
	if err != nil {
		return fmt.Errorf("failed to create pattern analyzer: %w", err)
	}
	var forwarder learning.ReviewForwarder = learning.LogForwarder{Logger: logger.Named("review")}
	if cfg.Learning.ReviewWebhookURL != "" {
		forwarder = learning.NewWebhookForwarder(cfg.Learning.ReviewWebhookURL,
			cfg.Learning.ReviewWebhookTimeout, uint(cfg.Persistence.MaxAttempts), logger.Named("review"))
	}
	queue := learning.NewQueue(
		learning.WithPatternSink(writer),
		learning.WithForwarder(forwarder),
		learning.WithQueueAuditLogger(auditLog),
		learning.WithQueueLogger(logger.Named("learning")),
	)

	// Engine
	engine, err := safety.NewEngine(safety.Components{
		Controller: controller,
		Shadow: shadow.Config{
			Compare: shadow.CompareOptions{
				Weights:       cfg.Shadow.Weights,
				Scales:        cfg.Shadow.Scales,
				DefaultWeight: cfg.Shadow.DefaultWeight,
				DefaultScale:  cfg.Shadow.DefaultScale,
			},
			FinalizedCacheSize: cfg.Shadow.FinalizedCacheSize,
		},
		ShadowOptions: []shadow.Option{
			shadow.WithRecordSink(writer),
			shadow.WithAuditLogger(auditLog),
			shadow.WithLogger(logger.Named("shadow")),
		},
		Analyzer: analyzer,
		Queue:    queue,
		Store:    store,
	}, safety.WithPublisher(hub), safety.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create safety engine: %w", err)
	}
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	srv, err := server.NewServer(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,

		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitBurst:     cfg.Server.RateLimitBurst,
	}, engine, hub,
		server.WithLogger(logger.Named("http")),
		server.WithStore(store),
		server.WithFailureLister(writer),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// The writer outlives the listener so late writes still drain.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(writerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		retention := &persistence.Retention{
			Store:    store,
			MaxAge:   time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
			Interval: time.Hour,
			Logger:   logger.Named("retention"),
		}
		return retention.Run(gctx)
	})
	if cfg.Autonomy.WatchPolicyFile {
		g.Go(func() error { return registry.Watch(gctx) })
	}
	g.Go(func() error {
		changes := mgr.Watch(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changes:
				logger.Info("Configuration file changed; restart to apply server, storage and logging settings")
			}
		}
	})

	logger.Info("Autonomy service started",
		zap.String("config", configPath),
		zap.Int("port", cfg.Server.Port),
		zap.Int("tenants", len(registry.Current().Tenants)))

	runErr := g.Wait()

	// Audit events flushed on close still go through the writer.
	if err := auditLog.Close(); err != nil {
		logger.Warn("Failed to close audit log", zap.Error(err))
	}
	stopWriter()
	if err := <-writerDone; err != nil {
		logger.Error("Persistence writer stopped with error", zap.Error(err))
	}
	if n := len(writer.Failures()); n > 0 {
		logger.Warn("Records were not persisted", zap.Int("count", n))
	}
	logger.Info("Shutdown complete")
	return runErr
}

func learningBuckets(in []config.Bucket) []learning.Bucket {
	out := make([]learning.Bucket, 0, len(in))
	for _, b := range in {
		out = append(out, learning.Bucket{
			Name:     b.Name,
			MaxScore: b.MaxScore,
			Proposal: learning.ProposalKind(b.Proposal),
		})
	}
	return out
}
