package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *captureSink) EnqueueAuditEvent(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestLogger(t *testing.T, sink EventSink) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{AuditLogPath: path, MaxSize: 10, MaxBackups: 3}, nil, sink)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{}, nil, nil)
	if err == nil {
		t.Fatal("Expected error for empty audit log path")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
}

func TestLogEvent(t *testing.T) {
	logger, path := newTestLogger(t, nil)

	ctx := WithCorrelationID(context.Background(), "test-123")
	event := NewEvent(EventApprovalRequired).
		WithActor("ops@acme").
		WithKey("acme", "outreach-message").
		WithResult(ResultPending)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readLog(t, path)
	for _, want := range []string{"test-123", "autonomy.approval_required", "ops@acme", "outreach-message"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
	if event.ID == "" {
		t.Error("Expected Log to assign an event ID")
	}
}

func TestLogTransition(t *testing.T) {
	logger, path := newTestLogger(t, nil)
	ctx := context.Background()

	if err := logger.LogTransition(ctx, "acme", "outreach-message", "SUGGEST", "CO_PILOT", "promotion", "auto", ""); err != nil {
		t.Fatalf("LogTransition failed: %v", err)
	}
	if err := logger.LogInvariantViolation(ctx, "acme", "follow-up", "level LEVEL(7) is outside the ladder"); err != nil {
		t.Fatalf("LogInvariantViolation failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	logContent := readLog(t, path)
	if !strings.Contains(logContent, "autonomy.transition") {
		t.Error("Log does not contain transition event")
	}
	if !strings.Contains(logContent, "CO_PILOT") {
		t.Error("Log does not contain target level")
	}
	if !strings.Contains(logContent, "failure") {
		t.Error("Log does not contain failure result for invariant violation")
	}
}

func TestBufferAutoFlush(t *testing.T) {
	sink := &captureSink{}
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{AuditLogPath: path, FlushInterval: 50 * time.Millisecond}, nil, sink)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := logger.LogSession(ctx, EventShadowSessionStarted, "acme", "s-1", "started"); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() < 5 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.len() != 5 {
		t.Fatalf("Expected 5 events in sink after auto-flush, got %d", sink.len())
	}
	if len(readLog(t, path)) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	logger, path := newTestLogger(t, nil)
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		if err := logger.Log(ctx, NewEvent(EventProposalQueued).WithCorrelationID("test")); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	eventCount := 0
	for _, line := range strings.Split(readLog(t, path), "\n") {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}
	if eventCount != 105 {
		t.Errorf("Expected 105 events, got %d", eventCount)
	}
}

func TestCloseFlushesPendingEvents(t *testing.T) {
	sink := &captureSink{}
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{AuditLogPath: path, FlushInterval: time.Hour}, nil, sink)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	_ = logger.LogProposal(context.Background(), EventProposalReviewed, "acme", "p-1", "reviewer", "approved")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if sink.len() != 1 {
		t.Errorf("Expected pending event flushed on close, got %d", sink.len())
	}
	// Second close is a no-op.
	_ = logger.Close()
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()
	if id1 == id2 {
		t.Error("Generated correlation IDs should be unique")
	}

	ctx := WithCorrelationID(context.Background(), "abc")
	if got := GetCorrelationID(ctx); got != "abc" {
		t.Errorf("Expected correlation ID 'abc', got %q", got)
	}
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("Expected empty correlation ID, got %q", got)
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventAutonomyTransition).
		WithKey("acme", "follow-up").
		WithMetadata("from", "OBSERVE").
		WithError(os.ErrNotExist, "not_found")

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", decoded.Result)
	}
	if decoded.Metadata["from"] != "OBSERVE" {
		t.Errorf("Expected metadata to survive round trip, got %v", decoded.Metadata)
	}
}
