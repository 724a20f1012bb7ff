package autonomy

import (
	"context"
	"time"

	"github.com/dstep24/rileyrecruiter-sub005/internal/alert"
	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
)

// Package autonomy grants the outreach agent decision authority gradually,
// per tenant and per action type.
//
// The Five Autonomy Levels:
//
//   Level 1: OBSERVE
//      - The agent watches; every action is taken by a human
//
//   Level 2: SUGGEST
//      - The agent drafts; a human approves every action
//
//   Level 3: CO_PILOT
//      - Actions run without approval unless a forceApproval rule matches
//        or confidence is below the tenant's floor
//
//   Level 4: SUPERVISED_AUTONOMOUS
//      - As CO_PILOT, with looser thresholds out of the rung below
//
//   Level 5: AUTONOMOUS
//      - Top of the ladder; still gated by rules and the confidence floor
//
// Transitions:
//   - Automatic transitions move one rung at a time, driven by the rolling
//     outcome window of the key (see EvaluateTransition)
//   - A matching demote rule drops the key straight to OBSERVE
//   - Operators may move a key by hand, within the same ladder rules
//   - A corrupted key state halts automatic transitions for that key and
//     alerts an operator until ResumeKey is called
//
// Integration Points:
//   - Outcome window: internal/analytics/outcomes
//   - Escalation rules: internal/safety/policy
//   - Audit Logger: transitions, approval decisions, invariant violations
//   - Persistence: transitions are handed to a TransitionSink asynchronously

// AutonomyController defines the interface for autonomy management.
type AutonomyController interface {
	// RecordOutcome feeds one outcome into the key's window and evaluates a
	// transition on the post-write snapshot. Returns the transition, if any.
	RecordOutcome(ctx context.Context, actx *ActionContext, o outcomes.Outcome) (*Transition, error)

	// ShouldRequireApproval gates a single proposed action. No I/O.
	ShouldRequireApproval(ctx context.Context, actx *ActionContext) (bool, string)

	// GetAutonomyLevel returns the current level; unknown keys are at OBSERVE.
	GetAutonomyLevel(ctx context.Context, tenantID, actionType string) Level

	// GetMetrics returns the current window snapshot of the key.
	GetMetrics(ctx context.Context, tenantID, actionType string) outcomes.Metrics

	// ListTransitions returns the key's transitions at or after since, oldest first.
	ListTransitions(ctx context.Context, tenantID, actionType string, since time.Time) []Transition

	// Status returns a read-only view of the key.
	Status(ctx context.Context, tenantID, actionType string) KeyStatus

	// Keys lists every key the controller has seen.
	Keys() []Key

	// SetAutonomyLevel moves a key by hand: one rung, or straight to OBSERVE.
	SetAutonomyLevel(ctx context.Context, tenantID, actionType string, level Level, actor, reason string) (*Transition, error)

	// ResumeKey clears a halted key by resetting it to OBSERVE.
	ResumeKey(ctx context.Context, tenantID, actionType, actor string) (*Transition, error)

	// Restore rebuilds levels from persisted transitions. Call before serving.
	Restore(ctx context.Context, transitions []Transition)
}

// TransitionSink receives every applied transition. It must not block.
type TransitionSink interface {
	EnqueueTransition(t Transition)
}

// Alerter raises operator alerts. It must not block.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert) bool
}
