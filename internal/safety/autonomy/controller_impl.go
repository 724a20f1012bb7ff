package autonomy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/alert"
	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/policy"
)

// Option configures the controller.
type Option func(*autonomyControllerImpl)

// WithTransitionSink hands applied transitions to sink.
func WithTransitionSink(sink TransitionSink) Option {
	return func(c *autonomyControllerImpl) { c.sink = sink }
}

// WithAlerter routes alert rules and invariant violations to a.
func WithAlerter(a Alerter) Option {
	return func(c *autonomyControllerImpl) { c.alerter = a }
}

// WithAuditLogger records decisions in the audit trail.
func WithAuditLogger(l audit.Logger) Option {
	return func(c *autonomyControllerImpl) { c.audit = l }
}

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *autonomyControllerImpl) { c.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *autonomyControllerImpl) { c.now = now }
}

// WithWindowReset clears a key's window after each transition so the new
// level is judged on its own outcomes.
func WithWindowReset(reset bool) Option {
	return func(c *autonomyControllerImpl) { c.resetWindow = reset }
}

type autonomyControllerImpl struct {
	store       StateStore
	metrics     *outcomes.Aggregator
	configs     ConfigSource
	sink        TransitionSink
	alerter     Alerter
	audit       audit.Logger
	logger      *zap.Logger
	now         func() time.Time
	resetWindow bool
}

// NewAutonomyController creates a controller over store, resolving tenant
// policies from configs. Outcome windows live in metrics and are only
// written while the owning key is locked in store.
func NewAutonomyController(store StateStore, metrics *outcomes.Aggregator, configs ConfigSource, opts ...Option) AutonomyController {
	c := &autonomyControllerImpl{
		store:   store,
		metrics: metrics,
		configs: configs,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *autonomyControllerImpl) configFor(tenantID string) *Config {
	if c.configs == nil {
		return nil
	}
	cfg, _ := c.configs.ConfigFor(tenantID)
	return cfg
}

func (c *autonomyControllerImpl) RecordOutcome(ctx context.Context, actx *ActionContext, o outcomes.Outcome) (*Transition, error) {
	if err := actx.Validate(); err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}
	key := actx.Key()
	cfg := c.configFor(actx.TenantID)
	now := c.now()

	var (
		applied   *Transition
		violation *InvariantViolation
		alerts    []policy.Match
	)
	c.store.Update(key, func(st *KeyState) {
		m := c.metrics.RecordOutcome(key.TenantID, key.ActionType, o)
		if st.Halted {
			return
		}
		if cfg != nil {
			for _, match := range policy.Evaluate(cfg.EscalationRules, actx) {
				if match.Action == policy.ActionAlert {
					alerts = append(alerts, match)
				}
			}
		}

		t, err := EvaluateTransition(LevelState{Level: st.Level, Since: st.Since}, m, actx, cfg, now)
		if err != nil {
			if errors.As(err, &violation) {
				violation.TenantID, violation.ActionType = key.TenantID, key.ActionType
				st.Halted = true
				st.HaltReason = violation.Detail
			}
			return
		}
		if t == nil {
			return
		}
		t.ID = uuid.NewString()
		t.TenantID, t.ActionType = key.TenantID, key.ActionType
		c.apply(st, *t)
		applied = t
	})

	metrics.AutonomyOutcomesTotal.WithLabelValues(actx.ActionType, outcomeLabel(o)).Inc()

	for _, match := range alerts {
		c.raise(ctx, alert.Alert{
			Kind:       alert.KindEscalationRule,
			TenantID:   key.TenantID,
			ActionType: key.ActionType,
			RuleID:     match.RuleID,
			Message:    fmt.Sprintf("Escalation rule %s matched", match.RuleID),
			At:         now,
		})
	}
	if violation != nil {
		c.halted(ctx, violation)
		return nil, violation
	}
	if applied != nil {
		c.publish(ctx, *applied)
	}
	return applied, nil
}

// apply mutates key state for t. Caller holds the key lock.
func (c *autonomyControllerImpl) apply(st *KeyState, t Transition) {
	st.Level = t.To
	st.Since = t.Timestamp
	st.Transitions = append(st.Transitions, t)
	if c.resetWindow {
		c.metrics.ResetWindow(t.TenantID, t.ActionType)
	}
}

func (c *autonomyControllerImpl) publish(ctx context.Context, t Transition) {
	metrics.AutonomyTransitionsTotal.WithLabelValues(t.From.String(), t.To.String(), string(t.TriggeredBy)).Inc()
	c.logger.Info("Autonomy level changed",
		zap.String("tenant_id", t.TenantID),
		zap.String("action_type", t.ActionType),
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.String("reason", t.Reason),
		zap.String("triggered_by", string(t.TriggeredBy)),
	)
	if c.audit != nil {
		_ = c.audit.LogTransition(ctx, t.TenantID, t.ActionType, t.From.String(), t.To.String(), t.Reason, string(t.TriggeredBy), t.Actor)
	}
	if c.sink != nil {
		c.sink.EnqueueTransition(t)
	}
}

func (c *autonomyControllerImpl) halted(ctx context.Context, v *InvariantViolation) {
	metrics.AutonomyInvariantViolations.Inc()
	c.logger.Error("Autonomy key halted", zap.String("tenant_id", v.TenantID),
		zap.String("action_type", v.ActionType), zap.String("detail", v.Detail))
	if c.audit != nil {
		_ = c.audit.LogInvariantViolation(ctx, v.TenantID, v.ActionType, v.Detail)
	}
	c.raise(ctx, alert.Alert{
		Kind:       alert.KindInvariantViolation,
		Severity:   alert.SeverityCritical,
		TenantID:   v.TenantID,
		ActionType: v.ActionType,
		Message:    v.Error(),
	})
}

func (c *autonomyControllerImpl) raise(ctx context.Context, a alert.Alert) {
	if c.alerter != nil {
		c.alerter.Raise(ctx, a)
	}
}

func outcomeLabel(o outcomes.Outcome) string {
	switch {
	case o.Escalated:
		return "escalated"
	case o.Agreed:
		return "agreed"
	}
	return "disagreed"
}

func (c *autonomyControllerImpl) ShouldRequireApproval(ctx context.Context, actx *ActionContext) (bool, string) {
	if err := actx.Validate(); err != nil {
		return c.gateResult(ctx, actx, true, "invalid action context: "+err.Error())
	}

	level := LevelObserve
	var halted bool
	var haltReason string
	c.store.View(actx.Key(), func(st *KeyState) {
		level, halted, haltReason = st.Level, st.Halted, st.HaltReason
	})
	if halted {
		return c.gateResult(ctx, actx, true, "autonomy halted: "+haltReason)
	}

	required, reason := RequiresApproval(actx, level, c.configFor(actx.TenantID))
	return c.gateResult(ctx, actx, required, reason)
}

func (c *autonomyControllerImpl) gateResult(ctx context.Context, actx *ActionContext, required bool, reason string) (bool, string) {
	metrics.AutonomyApprovalDecisions.WithLabelValues(strconv.FormatBool(required)).Inc()
	if required && c.audit != nil && actx != nil {
		_ = c.audit.LogApprovalRequired(ctx, actx.TenantID, actx.ActionType, reason)
	}
	return required, reason
}

func (c *autonomyControllerImpl) GetAutonomyLevel(_ context.Context, tenantID, actionType string) Level {
	level := LevelObserve
	c.store.View(Key{TenantID: tenantID, ActionType: actionType}, func(st *KeyState) { level = st.Level })
	return level
}

func (c *autonomyControllerImpl) GetMetrics(_ context.Context, tenantID, actionType string) outcomes.Metrics {
	return c.metrics.GetMetrics(tenantID, actionType)
}

func (c *autonomyControllerImpl) ListTransitions(_ context.Context, tenantID, actionType string, since time.Time) []Transition {
	var out []Transition
	c.store.View(Key{TenantID: tenantID, ActionType: actionType}, func(st *KeyState) {
		for _, t := range st.Transitions {
			if !t.Timestamp.Before(since) {
				out = append(out, t)
			}
		}
	})
	return out
}

func (c *autonomyControllerImpl) Status(_ context.Context, tenantID, actionType string) KeyStatus {
	key := Key{TenantID: tenantID, ActionType: actionType}
	status := KeyStatus{Key: key, Level: LevelObserve}
	c.store.View(key, func(st *KeyState) {
		status.Level = st.Level
		status.Since = st.Since
		status.Metrics = c.metrics.GetMetrics(tenantID, actionType)
		status.Halted = st.Halted
		status.HaltReason = st.HaltReason
		if last, ok := st.LastTransition(); ok {
			status.LastTransition = &last
		}
	})
	return status
}

func (c *autonomyControllerImpl) Keys() []Key { return c.store.Keys() }

func (c *autonomyControllerImpl) SetAutonomyLevel(ctx context.Context, tenantID, actionType string, level Level, actor, reason string) (*Transition, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: level %s is not on the ladder", ErrInvalidManualTransition, level)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidManualTransition)
	}
	cfg := c.configFor(tenantID)
	now := c.now()

	var (
		applied *Transition
		err     error
	)
	c.store.Update(Key{TenantID: tenantID, ActionType: actionType}, func(st *KeyState) {
		switch {
		case st.Halted:
			err = ErrKeyHalted
			return
		case level == st.Level:
			err = fmt.Errorf("%w: key is already at %s", ErrInvalidManualTransition, level)
			return
		case level != LevelObserve && level != st.Level+1 && level != st.Level-1:
			err = fmt.Errorf("%w: %s -> %s skips rungs", ErrInvalidManualTransition, st.Level, level)
			return
		case cfg != nil && level > st.Level && level > cfg.Ceiling():
			err = fmt.Errorf("%w: %s is above the tenant ceiling %s", ErrInvalidManualTransition, level, cfg.Ceiling())
			return
		}
		t := Transition{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ActionType:  actionType,
			From:        st.Level,
			To:          level,
			Reason:      "manual: " + reason,
			Metrics:     c.metrics.GetMetrics(tenantID, actionType),
			Timestamp:   now,
			TriggeredBy: TriggerManual,
			Actor:       actor,
		}
		c.apply(st, t)
		applied = &t
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, *applied)
	return applied, nil
}

func (c *autonomyControllerImpl) ResumeKey(ctx context.Context, tenantID, actionType, actor string) (*Transition, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidManualTransition)
	}
	now := c.now()
	var (
		applied *Transition
		err     error
	)
	found := c.store.View(Key{TenantID: tenantID, ActionType: actionType}, func(*KeyState) {})
	if !found {
		return nil, ErrKeyNotHalted
	}
	c.store.Update(Key{TenantID: tenantID, ActionType: actionType}, func(st *KeyState) {
		if !st.Halted {
			err = ErrKeyNotHalted
			return
		}
		t := Transition{
			ID:          uuid.NewString(),
			TenantID:    tenantID,
			ActionType:  actionType,
			From:        st.Level,
			To:          LevelObserve,
			Reason:      "manual: resumed after " + st.HaltReason,
			Metrics:     c.metrics.GetMetrics(tenantID, actionType),
			Timestamp:   now,
			TriggeredBy: TriggerManual,
			Actor:       actor,
		}
		st.Halted = false
		st.HaltReason = ""
		c.apply(st, t)
		applied = &t
	})
	if err != nil {
		return nil, err
	}
	if c.audit != nil {
		_ = c.audit.Log(ctx, audit.NewEvent(audit.EventAutonomyKeyResumed).
			WithKey(tenantID, actionType).WithActor(actor))
	}
	c.publish(ctx, *applied)
	return applied, nil
}

func (c *autonomyControllerImpl) Restore(ctx context.Context, transitions []Transition) {
	byKey := make(map[Key][]Transition)
	for _, t := range transitions {
		k := Key{TenantID: t.TenantID, ActionType: t.ActionType}
		byKey[k] = append(byKey[k], t)
	}

	for key, ts := range byKey {
		sortTransitions(ts)
		last := ts[len(ts)-1]
		var violation *InvariantViolation
		c.store.Update(key, func(st *KeyState) {
			st.Transitions = ts
			st.Level = last.To
			st.Since = last.Timestamp
			if !last.To.Valid() {
				st.Halted = true
				st.HaltReason = fmt.Sprintf("restored level %s is outside the ladder", last.To)
				violation = &InvariantViolation{TenantID: key.TenantID, ActionType: key.ActionType, Detail: st.HaltReason}
			}
		})
		if violation != nil {
			c.halted(ctx, violation)
		}
	}
	c.logger.Info("Autonomy levels restored", zap.Int("keys", len(byKey)), zap.Int("transitions", len(transitions)))
}
