package autonomy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
)

// ActionContext is the input to every gating decision.
type ActionContext struct {
	TenantID       string         `json:"tenant_id"`
	ActionType     string         `json:"action_type"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	Confidence     float64        `json:"confidence"`
	RiskFlags      []string       `json:"risk_flags,omitempty"`
}

// Validate checks the fields the controller depends on.
func (a *ActionContext) Validate() error {
	if a == nil {
		return fmt.Errorf("action context is required")
	}
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if strings.TrimSpace(a.ActionType) == "" {
		return fmt.Errorf("action_type is required")
	}
	if math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence must be within [0,1], got %v", a.Confidence)
	}
	return nil
}

// Key returns the state key of the context.
func (a *ActionContext) Key() Key {
	return Key{TenantID: a.TenantID, ActionType: a.ActionType}
}

// Field implements policy.Fields. Paths: tenantId, actionType, confidence,
// riskFlags and proposedAction.<name>.
func (a *ActionContext) Field(path string) (any, bool) {
	switch path {
	case "tenantId", "tenant_id":
		return a.TenantID, true
	case "actionType", "action_type":
		return a.ActionType, true
	case "confidence":
		return a.Confidence, true
	case "riskFlags", "risk_flags":
		return a.RiskFlags, true
	}
	name, ok := strings.CutPrefix(path, "proposedAction.")
	if !ok {
		name, ok = strings.CutPrefix(path, "proposed_action.")
	}
	if !ok || a.ProposedAction == nil {
		return nil, false
	}
	v, ok := a.ProposedAction[name]
	if !ok {
		return nil, false
	}
	return normalizeField(v), true
}

// normalizeField maps JSON-decoded values onto the types the rule
// interpreter understands.
func normalizeField(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case int32:
		return float64(t)
	case uint:
		return float64(t)
	}
	return v
}

// Key identifies one autonomy state machine.
type Key struct {
	TenantID   string `json:"tenant_id"`
	ActionType string `json:"action_type"`
}

func (k Key) String() string { return k.TenantID + "/" + k.ActionType }

// TriggeredBy tells automatic and operator-driven transitions apart.
type TriggeredBy string

const (
	TriggerAuto   TriggeredBy = "auto"
	TriggerManual TriggeredBy = "manual"
)

// Transition is an immutable entry of the per-key transition log.
type Transition struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ActionType  string           `json:"action_type"`
	From        Level            `json:"from_level"`
	To          Level            `json:"to_level"`
	Reason      string           `json:"reason"`
	Metrics     outcomes.Metrics `json:"metrics_snapshot"`
	Timestamp   time.Time        `json:"timestamp"`
	TriggeredBy TriggeredBy      `json:"triggered_by"`
	Actor       string           `json:"actor,omitempty"`
}

// LevelState is the part of a key's state the pure evaluator needs.
type LevelState struct {
	Level Level
	Since time.Time
}

// KeyState is everything held per key. The transition log is append-only.
type KeyState struct {
	Level       Level
	Since       time.Time
	Transitions []Transition
	Halted      bool
	HaltReason  string
}

// LastTransition returns the most recent transition, if any.
func (s *KeyState) LastTransition() (Transition, bool) {
	if len(s.Transitions) == 0 {
		return Transition{}, false
	}
	return s.Transitions[len(s.Transitions)-1], true
}

// KeyStatus is a read-only view of a key.
type KeyStatus struct {
	Key            Key              `json:"key"`
	Level          Level            `json:"level"`
	Since          time.Time        `json:"since"`
	Metrics        outcomes.Metrics `json:"metrics"`
	LastTransition *Transition      `json:"last_transition,omitempty"`
	Halted         bool             `json:"halted"`
	HaltReason     string           `json:"halt_reason,omitempty"`
}

func sortTransitions(ts []Transition) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Timestamp.Before(ts[j].Timestamp) })
}
