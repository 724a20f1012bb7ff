package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
	"github.com/dstep24/rileyrecruiter-sub005/internal/persistence"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

// Package safety provides the unified Safety Engine of the outreach agent.
//
// The Safety Engine decides how much the agent may do on its own. It sits
// between the agent's proposed actions and their execution and owns the
// feedback loop that earns, or loses, that authority.
//
// Key Design Principle: DETERMINISTIC GATING
//   - Approval decisions are rule-based and never call out to a model
//   - Gating never waits on storage; persistence happens in the background
//   - Learned patterns are proposals only; a human reviews every one
//
// Architecture Overview:
//   1. Autonomy Controller: per-key level, outcome window, escalation rules
//   2. Shadow Runner: pairs human actions with the agent's alternative
//   3. Pattern Analyzer: finds recurring divergence in completed sessions
//   4. Review Queue: holds proposals until a human decides
//
// Evaluation Flow:
//   Action Proposed (by the agent)
//      ↓
//   1. ShouldRequireApproval
//      - Halted key → approval
//      - forceApproval rule → approval
//      - Level and confidence floor
//      ↓
//   2. Execution (by the caller, approved or not)
//      ↓
//   3. RecordOutcome
//      - Outcome window updated
//      - Promotion or demotion evaluated on the new snapshot
//
// Learning Flow:
//   StartShadowSession → CaptureInteraction → AttachAlternative (repeat)
//      ↓
//   EndShadowSession → stats → pattern analysis → review queue
//
// Integration Points:
//   - REST API / WebSocket: internal/server
//   - Persistence: internal/persistence (restore on startup, stats fallback)
//   - Audit Logger: wired into every component

// Publisher receives events for live subscribers. It must not block.
type Publisher interface {
	Publish(topic string, payload any)
}

// Event topics published by the engine.
const (
	TopicTransition = "transition"
	TopicProposal   = "proposal"
	TopicReview     = "review"
)

// Components are the parts the engine is assembled from.
type Components struct {
	Controller autonomy.AutonomyController
	Shadow     shadow.Config
	// ShadowOptions are passed to the runner; the engine adds its own
	// completion hook.
	ShadowOptions []shadow.Option
	Analyzer      *learning.Analyzer
	Queue         *learning.Queue
	// Store is optional. When set, Restore reads from it and stats of
	// sessions evicted from memory are recomputed from it.
	Store db.Store
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher streams transitions, proposals and reviews to p.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// Engine is the unified safety engine
type Engine struct {
	controller autonomy.AutonomyController
	runner     *shadow.Runner
	analyzer   *learning.Analyzer
	queue      *learning.Queue
	store      db.Store
	publisher  Publisher
	logger     *zap.Logger
}

// NewEngine creates a new safety engine with all components
func NewEngine(c Components, opts ...Option) (*Engine, error) {
	if c.Controller == nil {
		return nil, fmt.Errorf("autonomy controller is required")
	}
	if c.Analyzer == nil || c.Queue == nil {
		return nil, fmt.Errorf("pattern analyzer and review queue are required")
	}
	e := &Engine{
		controller: c.Controller,
		analyzer:   c.Analyzer,
		queue:      c.Queue,
		store:      c.Store,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	shadowOpts := append(append([]shadow.Option(nil), c.ShadowOptions...), shadow.WithCompletionHook(e.learn))
	runner, err := shadow.NewRunner(c.Shadow, shadowOpts...)
	if err != nil {
		return nil, err
	}
	e.runner = runner
	return e, nil
}

// Restore rebuilds autonomy levels and the review queue from the store.
// Call it once before serving.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	transitions, err := persistence.LoadTransitions(ctx, e.store, db.TransitionQuery{})
	if err != nil {
		return fmt.Errorf("failed to load transitions: %w", err)
	}
	e.controller.Restore(ctx, transitions)

	patterns, err := persistence.LoadPatterns(ctx, e.store)
	if err != nil {
		return fmt.Errorf("failed to load learned patterns: %w", err)
	}
	e.queue.Restore(patterns)

	e.logger.Info("Safety engine restored",
		zap.Int("transitions", len(transitions)),
		zap.Int("keys", len(e.controller.Keys())),
		zap.Int("patterns", len(patterns)))
	return nil
}

// ─── Autonomy ────────────────────────────────────────────────────────────────

// GetAutonomyLevel returns the current level of a key.
func (e *Engine) GetAutonomyLevel(ctx context.Context, tenantID, actionType string) autonomy.Level {
	return e.controller.GetAutonomyLevel(ctx, tenantID, actionType)
}

// GetMetrics returns the current outcome window snapshot of a key.
func (e *Engine) GetMetrics(ctx context.Context, tenantID, actionType string) outcomes.Metrics {
	return e.controller.GetMetrics(ctx, tenantID, actionType)
}

// GetStatus returns level, metrics and halt state of a key.
func (e *Engine) GetStatus(ctx context.Context, tenantID, actionType string) autonomy.KeyStatus {
	return e.controller.Status(ctx, tenantID, actionType)
}

// ListKeys returns every key the controller has seen.
func (e *Engine) ListKeys() []autonomy.Key {
	return e.controller.Keys()
}

// ListTransitions returns the transitions of a key at or after since.
func (e *Engine) ListTransitions(ctx context.Context, tenantID, actionType string, since time.Time) []autonomy.Transition {
	return e.controller.ListTransitions(ctx, tenantID, actionType, since)
}

// RecordOutcome feeds an outcome and publishes the resulting transition.
func (e *Engine) RecordOutcome(ctx context.Context, actx *autonomy.ActionContext, o outcomes.Outcome) (*autonomy.Transition, error) {
	t, err := e.controller.RecordOutcome(ctx, actx, o)
	if t != nil {
		e.publish(TopicTransition, *t)
	}
	return t, err
}

// ShouldRequireApproval gates a proposed action.
func (e *Engine) ShouldRequireApproval(ctx context.Context, actx *autonomy.ActionContext) (bool, string) {
	return e.controller.ShouldRequireApproval(ctx, actx)
}

// SetAutonomyLevel moves a key by hand.
func (e *Engine) SetAutonomyLevel(ctx context.Context, tenantID, actionType string, level autonomy.Level, actor, reason string) (*autonomy.Transition, error) {
	t, err := e.controller.SetAutonomyLevel(ctx, tenantID, actionType, level, actor, reason)
	if err != nil {
		return nil, err
	}
	if t != nil {
		e.publish(TopicTransition, *t)
	}
	return t, nil
}

// ResumeKey clears a halted key.
func (e *Engine) ResumeKey(ctx context.Context, tenantID, actionType, actor string) (*autonomy.Transition, error) {
	t, err := e.controller.ResumeKey(ctx, tenantID, actionType, actor)
	if err != nil {
		return nil, err
	}
	if t != nil {
		e.publish(TopicTransition, *t)
	}
	return t, nil
}

// ─── Shadow mode ─────────────────────────────────────────────────────────────

// StartShadowSession opens a shadow session.
func (e *Engine) StartShadowSession(ctx context.Context, tenantID, captureType string) (shadow.Session, error) {
	return e.runner.StartSession(ctx, tenantID, captureType)
}

// CaptureInteraction records a human action in an active session.
func (e *Engine) CaptureInteraction(ctx context.Context, sessionID string, actionCtx map[string]any, human shadow.Action) (shadow.Interaction, error) {
	return e.runner.CaptureInteraction(ctx, sessionID, actionCtx, human)
}

// AttachAlternative pairs the agent's alternative with a captured interaction.
func (e *Engine) AttachAlternative(ctx context.Context, interactionID string, agent shadow.Action) (shadow.ComparisonResult, error) {
	return e.runner.AttachAlternative(ctx, interactionID, agent)
}

// EndShadowSession completes a session. Pattern analysis runs before it
// returns.
func (e *Engine) EndShadowSession(ctx context.Context, sessionID string) (shadow.Stats, error) {
	return e.runner.EndSession(ctx, sessionID)
}

// AbortShadowSession discards a session.
func (e *Engine) AbortShadowSession(ctx context.Context, sessionID string) error {
	return e.runner.AbortSession(ctx, sessionID)
}

// GetShadowSession returns a live or recently finished session.
func (e *Engine) GetShadowSession(ctx context.Context, sessionID string) (shadow.Session, error) {
	s, err := e.runner.GetSession(sessionID)
	var nf *shadow.NotFoundError
	if err == nil || !errors.As(err, &nf) || e.store == nil {
		return s, err
	}
	stored, _, lerr := persistence.LoadSession(ctx, e.store, sessionID)
	if lerr != nil {
		if persistence.IsNotFound(lerr) {
			return shadow.Session{}, err
		}
		return shadow.Session{}, lerr
	}
	return stored, nil
}

// ListActiveShadowSessions lists live sessions, oldest first.
func (e *Engine) ListActiveShadowSessions() []shadow.Session {
	return e.runner.ActiveSessions()
}

// GetShadowStats returns the stats of a completed session. Sessions no longer
// held in memory are recomputed from their stored comparisons.
func (e *Engine) GetShadowStats(ctx context.Context, sessionID string) (shadow.Stats, error) {
	stats, err := e.runner.GetStats(sessionID)
	var nf *shadow.NotFoundError
	if err == nil || !errors.As(err, &nf) || e.store == nil {
		return stats, err
	}

	sess, results, lerr := persistence.LoadSession(ctx, e.store, sessionID)
	if lerr != nil {
		if persistence.IsNotFound(lerr) {
			return shadow.Stats{}, err
		}
		return shadow.Stats{}, fmt.Errorf("failed to load shadow session %s: %w", sessionID, lerr)
	}
	switch sess.Status {
	case shadow.StatusCompleted:
		return shadow.ComputeStats(sessionID, results), nil
	case shadow.StatusAborted:
		return shadow.Stats{}, fmt.Errorf("%w: session %s was aborted", shadow.ErrStatsUnavailable, sessionID)
	default:
		return shadow.Stats{}, fmt.Errorf("%w: session %s has not ended", shadow.ErrStatsUnavailable, sessionID)
	}
}

// learn is the runner's completion hook.
func (e *Engine) learn(ctx context.Context, s shadow.Session, results []shadow.ComparisonResult) {
	patterns := e.analyzer.AnalyzeSession(s, results)
	if len(patterns) == 0 {
		return
	}
	added := e.queue.Enqueue(ctx, patterns)
	e.logger.Info("Shadow session analysed",
		zap.String("session_id", s.ID),
		zap.String("tenant_id", s.TenantID),
		zap.Int("patterns", len(patterns)),
		zap.Int("queued", len(added)))
	for _, p := range added {
		e.publish(TopicProposal, p)
	}
}

// ─── Learned patterns ────────────────────────────────────────────────────────

// ListLearnedPatterns returns the tenant's proposals; status "" means all.
func (e *Engine) ListLearnedPatterns(ctx context.Context, tenantID, status string) ([]learning.Pattern, error) {
	st, err := learning.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return e.queue.List(tenantID, st), nil
}

// GetLearnedPattern returns one proposal.
func (e *Engine) GetLearnedPattern(ctx context.Context, id string) (learning.Pattern, error) {
	return e.queue.Get(id)
}

// ReviewLearnedPattern records a human decision on a proposal. The returned
// pattern carries the decision even when forwarding it failed.
func (e *Engine) ReviewLearnedPattern(ctx context.Context, id string, approved bool, reviewer, note string) (learning.Pattern, error) {
	p, err := e.queue.Review(ctx, id, approved, reviewer, note)
	if err == nil || errors.Is(err, learning.ErrNotForwarded) {
		e.publish(TopicReview, p)
	}
	return p, err
}

func (e *Engine) publish(topic string, payload any) {
	if e.publisher != nil {
		e.publisher.Publish(topic, payload)
	}
}
