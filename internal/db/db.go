package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for autonomy and shadow-learning state.
type Store interface {
	TransitionStore
	ShadowStore
	PatternStore
	AuditStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Transition store ─────────────────────────────────────────────────────────

// TransitionRecord is the DB representation of an autonomy level change.
type TransitionRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ActionType  string    `json:"action_type"`
	FromLevel   int       `json:"from_level"`
	ToLevel     int       `json:"to_level"`
	Reason      string    `json:"reason"`
	Metrics     string    `json:"metrics"` // JSON blob
	TriggeredBy string    `json:"triggered_by"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransitionQuery filters transition reads. Empty fields match everything.
type TransitionQuery struct {
	TenantID   string
	ActionType string
	Since      time.Time
	Limit      int
}

// TransitionStore is the append-only transition history.
type TransitionStore interface {
	// AppendTransition writes a transition. Re-appending the same id is a no-op.
	AppendTransition(ctx context.Context, rec *TransitionRecord) error

	// ListTransitions returns matching transitions, oldest first.
	ListTransitions(ctx context.Context, q TransitionQuery) ([]*TransitionRecord, error)
}

// ─── Shadow store ─────────────────────────────────────────────────────────────

// SessionRecord is a persisted shadow session.
type SessionRecord struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CaptureType string     `json:"capture_type"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// InteractionRecord is a persisted shadow interaction.
type InteractionRecord struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	TenantID         string     `json:"tenant_id"`
	Context          string     `json:"context"`           // JSON blob
	HumanAction      string     `json:"human_action"`      // JSON blob
	AgentAlternative string     `json:"agent_alternative"` // JSON blob, "" until attached
	CapturedAt       time.Time  `json:"captured_at"`
	ComparedAt       *time.Time `json:"compared_at,omitempty"`
}

// ComparisonRecord is a persisted comparison result.
type ComparisonRecord struct {
	InteractionID    string    `json:"interaction_id"`
	SessionID        string    `json:"session_id"`
	TenantID         string    `json:"tenant_id"`
	Dimensions       string    `json:"dimensions"` // JSON blob
	OverallAgreement float64   `json:"overall_agreement"`
	ComparedAt       time.Time `json:"compared_at"`
}

// ShadowStore persists shadow sessions and their comparisons.
type ShadowStore interface {
	// SaveSession upserts a session; status and end time may change.
	SaveSession(ctx context.Context, rec *SessionRecord) error

	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// SaveInteraction upserts an interaction; only the agent side may change.
	SaveInteraction(ctx context.Context, rec *InteractionRecord) error

	// SaveComparison writes a comparison. Comparisons are immutable, so a
	// second write for the same interaction is ignored.
	SaveComparison(ctx context.Context, rec *ComparisonRecord) error

	// ListComparisons returns a session's comparisons in capture order.
	ListComparisons(ctx context.Context, sessionID string) ([]*ComparisonRecord, error)
}

// ─── Pattern store ────────────────────────────────────────────────────────────

// PatternRecord is a persisted learned pattern.
type PatternRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	Category  string    `json:"category"`
	Status    string    `json:"status"`
	Body      string    `json:"body"` // JSON blob of the full pattern
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PatternStore persists learned patterns and their review status.
type PatternStore interface {
	SavePattern(ctx context.Context, rec *PatternRecord) error

	// ListPatterns returns patterns for tenantID ("" for all) with status
	// ("" for any), oldest first.
	ListPatterns(ctx context.Context, tenantID, status string) ([]*PatternRecord, error)
}

// ─── Audit store ──────────────────────────────────────────────────────────────

// AuditRecord is the DB representation of an audit event.
type AuditRecord struct {
	ID            int64     `json:"id"`
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	Result        string    `json:"result"`
	Actor         string    `json:"actor"`
	TenantID      string    `json:"tenant_id"`
	ActionType    string    `json:"action_type"`
	Resource      string    `json:"resource"`
	Description   string    `json:"description"`
	Metadata      string    `json:"metadata"` // JSON blob
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditStore persists audit log entries.
type AuditStore interface {
	// AppendAuditEvent writes an event. Re-appending the same event id is a no-op.
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error

	// QueryAuditEvents retrieves audit events with optional filters, newest first.
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)

	// PruneAuditEvents deletes events older than before and returns how many.
	PruneAuditEvents(ctx context.Context, before time.Time) (int64, error)
}

// AuditQuery filters audit event queries.
type AuditQuery struct {
	TenantID   string
	ActionType string
	EventType  string
	Actor      string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
