package autonomy

import (
	"fmt"
	"time"

	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/policy"
)

// ReasonEscalationPrefix starts the reason of every rule-forced demotion.
const ReasonEscalationPrefix = "escalation:"

const day = 24 * time.Hour

// EvaluateTransition decides the next level of one key. It is pure: the same
// inputs always give the same answer and nothing is mutated. A nil transition
// means the level stays. The steps run in order and the first that applies wins:
//
//  1. a matching demote rule forces OBSERVE
//  2. all promotion thresholds met: one rung up, capped at the tenant ceiling
//  3. either demotion threshold crossed: one rung down, floored at OBSERVE
//
// actx may be nil when no action context is at hand; rules are skipped then.
func EvaluateTransition(state LevelState, m outcomes.Metrics, actx *ActionContext, cfg *Config, now time.Time) (*Transition, error) {
	if !state.Level.Valid() {
		return nil, &InvariantViolation{Detail: fmt.Sprintf("level %s is outside the ladder", state.Level)}
	}
	if err := m.Validate(); err != nil {
		return nil, &InvariantViolation{Detail: fmt.Sprintf("corrupted metrics: %v", err)}
	}
	if cfg == nil {
		return nil, nil
	}

	if actx != nil {
		if match, ok := policy.First(cfg.EscalationRules, actx, policy.ActionDemote); ok {
			if state.Level == LevelObserve {
				return nil, nil
			}
			return newTransition(state.Level, LevelObserve, ReasonEscalationPrefix+match.RuleID, m, actx, now), nil
		}
	}

	p := cfg.PromotionFor(state.Level)
	if m.SampleCount >= p.MinSamples &&
		m.AgreementRate >= p.MinAgreementPct &&
		m.EscalationRate <= p.MaxEscalationPct &&
		now.Sub(state.Since) >= time.Duration(p.MinDaysAtLevel*float64(day)) {
		if state.Level >= cfg.Ceiling() {
			return nil, nil
		}
		reason := fmt.Sprintf("promotion: agreement %.1f%% >= %.1f%%, escalation %.1f%% <= %.1f%%, samples %d >= %d",
			m.AgreementRate, p.MinAgreementPct, m.EscalationRate, p.MaxEscalationPct, m.SampleCount, p.MinSamples)
		return newTransition(state.Level, state.Level+1, reason, m, actx, now), nil
	}

	d := cfg.Demotion
	if m.SampleCount > 0 && m.SampleCount >= d.MinSamples {
		var reason string
		switch {
		case m.AgreementRate < d.MinAgreementPct:
			reason = fmt.Sprintf("demotion: agreement %.1f%% < %.1f%%", m.AgreementRate, d.MinAgreementPct)
		case m.EscalationRate > d.MaxEscalationPct:
			reason = fmt.Sprintf("demotion: escalation %.1f%% > %.1f%%", m.EscalationRate, d.MaxEscalationPct)
		}
		if reason != "" {
			if state.Level == LevelObserve {
				return nil, nil
			}
			return newTransition(state.Level, state.Level-1, reason, m, actx, now), nil
		}
	}
	return nil, nil
}

func newTransition(from, to Level, reason string, m outcomes.Metrics, actx *ActionContext, now time.Time) *Transition {
	t := &Transition{
		From:        from,
		To:          to,
		Reason:      reason,
		Metrics:     m,
		Timestamp:   now,
		TriggeredBy: TriggerAuto,
	}
	if actx != nil {
		t.TenantID = actx.TenantID
		t.ActionType = actx.ActionType
	}
	return t
}

// RequiresApproval is the gate for a single proposed action. It never fails:
// anything it cannot vouch for requires approval.
func RequiresApproval(actx *ActionContext, level Level, cfg *Config) (bool, string) {
	if !level.Valid() {
		return true, fmt.Sprintf("level %s is outside the ladder", level)
	}
	if level <= LevelSuggest {
		return true, fmt.Sprintf("level %s always requires approval", level)
	}
	if cfg == nil {
		return true, "no autonomy config for tenant"
	}
	if actx == nil {
		return true, "no action context"
	}
	if match, ok := policy.First(cfg.EscalationRules, actx, policy.ActionForceApproval); ok {
		return true, ReasonEscalationPrefix + match.RuleID
	}
	if actx.Confidence < cfg.ConfidenceFloor {
		return true, fmt.Sprintf("confidence %.2f below floor %.2f", actx.Confidence, cfg.ConfidenceFloor)
	}
	return false, ""
}
