package policy

// Package policy provides the escalation rule language for the autonomy layer.
//
// Escalation rules force oversight irrespective of aggregate metrics. They are
// data, not code: every rule is a closed tagged condition tree that can be
// serialised to YAML/JSON, audited and evaluated by the small interpreter in
// this package.
//
// Condition types:
//
//	equals    field == value           (strings compare case-insensitively,
//	                                     sets match when they hold value)
//	contains  field contains value      (set membership or substring)
//	compare   field <op> threshold      (op: lt, lte, gt, gte, eq)
//	all       every child matches
//	any       at least one child matches
//
// Rule actions:
//
//	forceApproval  the action must go through a human
//	demote         the key drops straight to OBSERVE
//	alert          an operator alert is raised; nothing else changes
//
// Evaluation never performs I/O. Fields are resolved through the Fields
// interface so the interpreter does not depend on the caller's context type.

// Fields resolves a dotted field path on the evaluated subject.
// Supported value types: string, []string, float64, int, bool.
type Fields interface {
	Field(path string) (any, bool)
}

// Match is one rule that matched a subject.
type Match struct {
	RuleID string     `json:"rule_id"`
	Action RuleAction `json:"action"`
}

// Evaluate returns every rule that matches, in rule order.
func Evaluate(rules []EscalationRule, subject Fields) []Match {
	var out []Match
	for _, r := range rules {
		if r.Condition.Matches(subject) {
			out = append(out, Match{RuleID: r.ID, Action: r.Action})
		}
	}
	return out
}

// First returns the first matching rule with the given action.
func First(rules []EscalationRule, subject Fields, action RuleAction) (Match, bool) {
	for _, r := range rules {
		if r.Action != action {
			continue
		}
		if r.Condition.Matches(subject) {
			return Match{RuleID: r.ID, Action: r.Action}, true
		}
	}
	return Match{}, false
}

// ValidateRules checks every rule and rejects duplicate IDs.
func ValidateRules(rules []EscalationRule) []error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, &RuleError{Index: i, RuleID: r.ID, Err: err})
			continue
		}
		if seen[r.ID] {
			errs = append(errs, &RuleError{Index: i, RuleID: r.ID, Err: errDuplicateID})
		}
		seen[r.ID] = true
	}
	return errs
}
