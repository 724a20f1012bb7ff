package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging.
// Log never blocks on I/O: events are buffered and flushed in the background.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	LogTransition(ctx context.Context, tenantID, actionType, from, to, reason, triggeredBy, actor string) error
	LogApprovalRequired(ctx context.Context, tenantID, actionType, reason string) error
	LogInvariantViolation(ctx context.Context, tenantID, actionType, detail string) error
	LogEscalationAlert(ctx context.Context, tenantID, actionType, ruleID, message string) error
	LogSession(ctx context.Context, eventType EventType, tenantID, sessionID, detail string) error
	LogProposal(ctx context.Context, eventType EventType, tenantID, patternID, actor, detail string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// EventSink receives every flushed event, e.g. for durable storage.
type EventSink interface {
	EnqueueAuditEvent(event *Event)
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// BufferSize triggers an early background flush
	BufferSize int

	// FlushInterval is the periodic flush cadence
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	rotator     *lumberjack.Logger
	config      *Config
	sink        EventSink

	mu     sync.Mutex
	buffer []*Event
	// flushMu serializes writers so Sync returns only after earlier flushes land.
	flushMu sync.Mutex

	flushCh   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewLogger creates a new audit logger. appLogger receives the logger's own
// failures; sink may be nil.
func NewLogger(config *Config, appLogger *zap.Logger, sink EventSink) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if appLogger == nil {
		appLogger = zap.NewNop()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit logs are always INFO level, append-only
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	l := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: zap.New(auditCore),
		rotator:     rotator,
		config:      config,
		sink:        sink,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	go l.autoFlush()

	return l, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event is nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, event)
	full := len(l.buffer) >= l.config.BufferSize
	l.mu.Unlock()

	if full {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// flush writes and clears the buffer
func (l *auditLogger) flush() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	pending := l.buffer
	l.buffer = make([]*Event, 0, l.config.BufferSize)
	l.mu.Unlock()

	for _, event := range pending {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
		if l.sink != nil {
			l.sink.EnqueueAuditEvent(event)
		}
	}
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	defer close(l.done)
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.flushCh:
			l.flush()
		case <-l.stopCh:
			l.flush()
			return
		}
	}
}

// LogTransition logs an autonomy level change
func (l *auditLogger) LogTransition(ctx context.Context, tenantID, actionType, from, to, reason, triggeredBy, actor string) error {
	event := NewEvent(EventAutonomyTransition).
		WithKey(tenantID, actionType).
		WithActor(actor).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithMetadata("triggered_by", triggeredBy).
		WithDescription(fmt.Sprintf("Autonomy %s -> %s: %s", from, to, reason))

	return l.Log(ctx, event)
}

// LogApprovalRequired logs a gated action
func (l *auditLogger) LogApprovalRequired(ctx context.Context, tenantID, actionType, reason string) error {
	event := NewEvent(EventApprovalRequired).
		WithKey(tenantID, actionType).
		WithResult(ResultPending).
		WithDescription(reason)

	return l.Log(ctx, event)
}

// LogInvariantViolation logs a halted key
func (l *auditLogger) LogInvariantViolation(ctx context.Context, tenantID, actionType, detail string) error {
	event := NewEvent(EventInvariantViolation).
		WithKey(tenantID, actionType).
		WithResult(ResultFailure).
		WithDescription(detail)

	return l.Log(ctx, event)
}

// LogEscalationAlert logs a matched alert rule
func (l *auditLogger) LogEscalationAlert(ctx context.Context, tenantID, actionType, ruleID, message string) error {
	event := NewEvent(EventEscalationAlert).
		WithKey(tenantID, actionType).
		WithResource(ruleID, "escalation_rule").
		WithDescription(message)

	return l.Log(ctx, event)
}

// LogSession logs a shadow session lifecycle event
func (l *auditLogger) LogSession(ctx context.Context, eventType EventType, tenantID, sessionID, detail string) error {
	event := NewEvent(eventType).
		WithKey(tenantID, "").
		WithResource(sessionID, "shadow_session").
		WithDescription(detail)

	return l.Log(ctx, event)
}

// LogProposal logs a learned-pattern proposal event
func (l *auditLogger) LogProposal(ctx context.Context, eventType EventType, tenantID, patternID, actor, detail string) error {
	event := NewEvent(eventType).
		WithKey(tenantID, "").
		WithActor(actor).
		WithResource(patternID, "learned_pattern").
		WithDescription(detail)

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.flush()
	return l.auditLogger.Sync()
}

// Close stops the flusher, writes what is left and closes the file
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	<-l.done
	if err := l.auditLogger.Sync(); err != nil {
		return err
	}
	return l.rotator.Close()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
