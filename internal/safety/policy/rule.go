package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RuleAction is what happens when an escalation rule matches.
type RuleAction string

const (
	ActionForceApproval RuleAction = "forceApproval"
	ActionDemote        RuleAction = "demote"
	ActionAlert         RuleAction = "alert"
)

// Valid reports whether a is a known action.
func (a RuleAction) Valid() bool {
	switch a {
	case ActionForceApproval, ActionDemote, ActionAlert:
		return true
	}
	return false
}

// ConditionType tags the variant held by a Condition.
type ConditionType string

const (
	CondEquals   ConditionType = "equals"
	CondContains ConditionType = "contains"
	CondCompare  ConditionType = "compare"
	CondAll      ConditionType = "all"
	CondAny      ConditionType = "any"
)

// CompareOp is the operator of a compare condition.
type CompareOp string

const (
	OpLT  CompareOp = "lt"
	OpLTE CompareOp = "lte"
	OpGT  CompareOp = "gt"
	OpGTE CompareOp = "gte"
	OpEQ  CompareOp = "eq"
)

// Condition is a tagged variant; only the fields of its Type are meaningful.
type Condition struct {
	Type       ConditionType `yaml:"type" json:"type"`
	Field      string        `yaml:"field,omitempty" json:"field,omitempty"`
	Value      string        `yaml:"value,omitempty" json:"value,omitempty"`
	Op         CompareOp     `yaml:"op,omitempty" json:"op,omitempty"`
	Threshold  float64       `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Conditions []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// EscalationRule binds a condition to an action.
type EscalationRule struct {
	ID          string     `yaml:"id" json:"id"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Condition   Condition  `yaml:"condition" json:"condition"`
	Action      RuleAction `yaml:"action" json:"action"`
}

// RuleError locates a validation failure inside a rule list.
type RuleError struct {
	Index  int
	RuleID string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("escalation rule %d (%q): %v", e.Index, e.RuleID, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

var (
	errDuplicateID = errors.New("duplicate rule id")
	ruleIDPattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// maxConditionDepth keeps composite trees auditable.
const maxConditionDepth = 8

// Validate checks the rule's id, action and condition tree.
func (r EscalationRule) Validate() error {
	if !ruleIDPattern.MatchString(r.ID) {
		return fmt.Errorf("invalid rule id %q (lowercase letters, digits, '.', '_', '-')", r.ID)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return r.Condition.validate(0)
}

func (c Condition) validate(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition nesting deeper than %d", maxConditionDepth)
	}
	switch c.Type {
	case CondEquals, CondContains:
		if c.Field == "" {
			return fmt.Errorf("%s condition requires a field", c.Type)
		}
		if c.Value == "" {
			return fmt.Errorf("%s condition on %q requires a value", c.Type, c.Field)
		}
	case CondCompare:
		if c.Field == "" {
			return fmt.Errorf("compare condition requires a field")
		}
		switch c.Op {
		case OpLT, OpLTE, OpGT, OpGTE, OpEQ:
		default:
			return fmt.Errorf("compare condition on %q has unknown op %q", c.Field, c.Op)
		}
	case CondAll, CondAny:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s condition requires at least one child", c.Type)
		}
		for i, child := range c.Conditions {
			if err := child.validate(depth + 1); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Type, i, err)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// Matches evaluates the condition against subject. Missing fields never match.
func (c Condition) Matches(subject Fields) bool {
	switch c.Type {
	case CondAll:
		for _, child := range c.Conditions {
			if !child.Matches(subject) {
				return false
			}
		}
		return len(c.Conditions) > 0
	case CondAny:
		for _, child := range c.Conditions {
			if child.Matches(subject) {
				return true
			}
		}
		return false
	}

	v, ok := subject.Field(c.Field)
	if !ok {
		return false
	}
	switch c.Type {
	case CondEquals:
		return equalsValue(v, c.Value)
	case CondContains:
		return containsValue(v, c.Value)
	case CondCompare:
		n, ok := toFloat(v)
		if !ok {
			return false
		}
		return compare(n, c.Op, c.Threshold)
	}
	return false
}

func equalsValue(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(strings.TrimSpace(t), want)
	case []string:
		for _, s := range t {
			if strings.EqualFold(s, want) {
				return true
			}
		}
		return false
	case bool:
		return strings.EqualFold(fmt.Sprint(t), want)
	}
	if n, ok := toFloat(v); ok {
		return fmt.Sprint(n) == strings.TrimSpace(want)
	}
	return false
}

func containsValue(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(t), strings.ToLower(want))
	case []string:
		for _, s := range t {
			if strings.EqualFold(s, want) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compare(n float64, op CompareOp, threshold float64) bool {
	switch op {
	case OpLT:
		return n < threshold
	case OpLTE:
		return n <= threshold
	case OpGT:
		return n > threshold
	case OpGTE:
		return n >= threshold
	case OpEQ:
		return n == threshold
	}
	return false
}
