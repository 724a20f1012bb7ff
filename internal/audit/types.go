package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Autonomy events
	EventAutonomyTransition   EventType = "autonomy.transition"
	EventApprovalRequired     EventType = "autonomy.approval_required"
	EventInvariantViolation   EventType = "autonomy.invariant_violation"
	EventAutonomyKeyResumed   EventType = "autonomy.key_resumed"
	EventEscalationAlert      EventType = "autonomy.escalation_alert"
	EventAutonomyPolicyReload EventType = "autonomy.policy_reloaded"

	// Shadow events
	EventShadowSessionStarted   EventType = "shadow.session_started"
	EventShadowSessionCompleted EventType = "shadow.session_completed"
	EventShadowSessionAborted   EventType = "shadow.session_aborted"

	// Learning events
	EventProposalQueued   EventType = "learning.proposal_queued"
	EventProposalReviewed EventType = "learning.proposal_reviewed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	ID            string    `json:"id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Who
	Actor string `json:"actor,omitempty"`

	// Where
	TenantID     string `json:"tenant_id,omitempty"`
	ActionType   string `json:"action_type,omitempty"`
	Resource     string `json:"resource,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultSuccess,
		Metadata:  make(map[string]any),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithActor sets who triggered the event
func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// WithKey scopes the event to a tenant and action type
func (e *Event) WithKey(tenantID, actionType string) *Event {
	e.TenantID = tenantID
	e.ActionType = actionType
	return e
}

// WithResource sets the object the event is about
func (e *Event) WithResource(resource, resourceType string) *Event {
	e.Resource = resource
	e.ResourceType = resourceType
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value any) *Event {
	e.Metadata[key] = value
	return e
}
