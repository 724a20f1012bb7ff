package shadow

// Package shadow runs observation sessions in which every human action is
// paired with the alternative the agent would have taken. Each completed pair
// is scored per dimension and the session is summarised once it ends.

import (
	"fmt"
	"math"
	"time"
)

// Status of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Session is one observation run of a tenant.
type Session struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CaptureType string     `json:"capture_type"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Status      Status     `json:"status"`
}

// ValueKind selects the comparator of a dimension.
type ValueKind string

const (
	KindText        ValueKind = "text"
	KindCategorical ValueKind = "categorical"
	KindNumeric     ValueKind = "numeric"
)

// Value is the decision taken along one dimension.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
}

// Text is free-form content such as a message body.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Category is a discrete decision such as a channel.
func Category(s string) Value { return Value{Kind: KindCategorical, Text: s} }

// Number is a score or a timing.
func Number(f float64) Value { return Value{Kind: KindNumeric, Number: f} }

// Validate rejects unknown kinds and non-finite numbers.
func (v Value) Validate() error {
	switch v.Kind {
	case KindText, KindCategorical:
		return nil
	case KindNumeric:
		if math.IsNaN(v.Number) || math.IsInf(v.Number, 0) {
			return fmt.Errorf("numeric value must be finite")
		}
		return nil
	}
	return fmt.Errorf("unknown value kind %q", v.Kind)
}

func (v Value) String() string {
	if v.Kind == KindNumeric {
		return fmt.Sprintf("%g", v.Number)
	}
	return v.Text
}

// Action maps dimension names (content, channel, timing, tone...) to values.
type Action map[string]Value

// Validate checks every dimension.
func (a Action) Validate() error {
	if len(a) == 0 {
		return fmt.Errorf("action has no dimensions")
	}
	for name, v := range a {
		if name == "" {
			return fmt.Errorf("dimension name is empty")
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("dimension %q: %w", name, err)
		}
	}
	return nil
}

// Interaction is a captured human action, later paired with the agent's.
type Interaction struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	TenantID         string         `json:"tenant_id"`
	Context          map[string]any `json:"context,omitempty"`
	HumanAction      Action         `json:"human_action"`
	AgentAlternative Action         `json:"agent_alternative,omitempty"`
	CapturedAt       time.Time      `json:"captured_at"`
	ComparedAt       *time.Time     `json:"compared_at,omitempty"`
}

// DimensionScore is the agreement on one dimension.
type DimensionScore struct {
	Name       string  `json:"name"`
	HumanValue *Value  `json:"human_value,omitempty"`
	AgentValue *Value  `json:"agent_value,omitempty"`
	MatchScore float64 `json:"match_score"`
	Weight     float64 `json:"weight"`
}

// ComparisonResult scores one completed pair. Immutable once produced.
type ComparisonResult struct {
	InteractionID    string           `json:"interaction_id"`
	SessionID        string           `json:"session_id"`
	TenantID         string           `json:"tenant_id"`
	Dimensions       []DimensionScore `json:"dimensions"`
	OverallAgreement float64          `json:"overall_agreement"`
	ComparedAt       time.Time        `json:"compared_at"`
}

// Stats summarises the completed comparisons of a session.
type Stats struct {
	SessionID            string             `json:"session_id"`
	TotalInteractions    int                `json:"total_interactions"`
	AvgAgreement         float64            `json:"avg_agreement"`
	AgreementByDimension map[string]float64 `json:"agreement_by_dimension"`
}

// ComputeStats aggregates results. Only compared interactions count.
func ComputeStats(sessionID string, results []ComparisonResult) Stats {
	stats := Stats{SessionID: sessionID, AgreementByDimension: make(map[string]float64)}
	if len(results) == 0 {
		return stats
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	var total float64
	for _, r := range results {
		total += r.OverallAgreement
		for _, d := range r.Dimensions {
			sums[d.Name] += d.MatchScore
			counts[d.Name]++
		}
	}
	stats.TotalInteractions = len(results)
	stats.AvgAgreement = total / float64(len(results))
	for name, sum := range sums {
		stats.AgreementByDimension[name] = sum / float64(counts[name])
	}
	return stats
}
