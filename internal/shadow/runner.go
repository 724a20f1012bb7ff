package shadow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
)

// RecordSink receives session, interaction and comparison records for
// durable storage. Implementations must not block.
type RecordSink interface {
	EnqueueSession(s Session)
	EnqueueInteraction(i Interaction)
	EnqueueComparison(r ComparisonResult)
}

// CompletionHook runs after a session completes, with its comparisons in
// capture order.
type CompletionHook func(ctx context.Context, s Session, results []ComparisonResult)

// Config configures the runner.
type Config struct {
	Compare CompareOptions
	// FinalizedCacheSize bounds how many ended sessions stay queryable in memory.
	FinalizedCacheSize int
}

// DefaultConfig returns equal weights and a 1024-session cache.
func DefaultConfig() Config {
	return Config{Compare: DefaultCompareOptions(), FinalizedCacheSize: 1024}
}

type sessionState struct {
	mu           sync.Mutex
	session      Session
	closing      bool
	inflight     sync.WaitGroup
	interactions map[string]*Interaction
	order        []string
	results      map[string]ComparisonResult
}

type finalized struct {
	session Session
	stats   *Stats
	results []ComparisonResult
}

// Runner owns the live shadow sessions.
type Runner struct {
	cfg    Config
	logger *zap.Logger
	audit  audit.Logger
	sink   RecordSink
	hook   CompletionHook
	now    func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*sessionState
	interactions map[string]*sessionState
	done         *lru.Cache[string, *finalized]
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecordSink persists records through sink.
func WithRecordSink(sink RecordSink) Option { return func(r *Runner) { r.sink = sink } }

// WithCompletionHook registers fn to run when a session completes.
func WithCompletionHook(fn CompletionHook) Option { return func(r *Runner) { r.hook = fn } }

// WithAuditLogger records session lifecycle events.
func WithAuditLogger(l audit.Logger) Option { return func(r *Runner) { r.audit = l } }

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// NewRunner validates cfg and creates a runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Compare.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shadow compare options: %w", err)
	}
	if cfg.FinalizedCacheSize <= 0 {
		return nil, fmt.Errorf("finalized cache size must be positive, got %d", cfg.FinalizedCacheSize)
	}
	cache, err := lru.New[string, *finalized](cfg.FinalizedCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:          cfg,
		logger:       zap.NewNop(),
		now:          time.Now,
		sessions:     make(map[string]*sessionState),
		interactions: make(map[string]*sessionState),
		done:         cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// StartSession opens an active session.
func (r *Runner) StartSession(ctx context.Context, tenantID, captureType string) (Session, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Session{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInteraction)
	}
	if strings.TrimSpace(captureType) == "" {
		return Session{}, fmt.Errorf("%w: capture_type is required", ErrInvalidInteraction)
	}
	s := Session{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		CaptureType: captureType,
		StartedAt:   r.now(),
		Status:      StatusActive,
	}
	st := &sessionState{
		session:      s,
		interactions: make(map[string]*Interaction),
		results:      make(map[string]ComparisonResult),
	}

	r.mu.Lock()
	r.sessions[s.ID] = st
	r.mu.Unlock()

	metrics.ShadowSessionsActive.Inc()
	r.logger.Info("Shadow session started", zap.String("session_id", s.ID),
		zap.String("tenant_id", tenantID), zap.String("capture_type", captureType))
	if r.audit != nil {
		_ = r.audit.LogSession(ctx, audit.EventShadowSessionStarted, tenantID, s.ID, captureType)
	}
	if r.sink != nil {
		r.sink.EnqueueSession(s)
	}
	return s, nil
}

func (r *Runner) lookupSession(sessionID string) (*sessionState, error) {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return st, nil
	}
	if _, ok := r.done.Peek(sessionID); ok {
		return nil, ErrSessionNotActive
	}
	return nil, &NotFoundError{Kind: "session", ID: sessionID}
}

// CaptureInteraction stores a human action awaiting its agent alternative.
func (r *Runner) CaptureInteraction(ctx context.Context, sessionID string, actionCtx map[string]any, human Action) (Interaction, error) {
	if err := human.Validate(); err != nil {
		return Interaction{}, fmt.Errorf("%w: human action: %v", ErrInvalidInteraction, err)
	}
	st, err := r.lookupSession(sessionID)
	if err != nil {
		metrics.ShadowInteractionsTotal.WithLabelValues("rejected").Inc()
		return Interaction{}, err
	}

	st.mu.Lock()
	if st.closing || st.session.Status != StatusActive {
		st.mu.Unlock()
		metrics.ShadowInteractionsTotal.WithLabelValues("rejected").Inc()
		return Interaction{}, ErrSessionNotActive
	}
	in := &Interaction{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		TenantID:    st.session.TenantID,
		Context:     actionCtx,
		HumanAction: human,
		CapturedAt:  r.now(),
	}
	st.interactions[in.ID] = in
	st.order = append(st.order, in.ID)
	snapshot := *in
	// Registered before closing can flip, so finalize always sees the id.
	r.mu.Lock()
	r.interactions[in.ID] = st
	r.mu.Unlock()
	st.mu.Unlock()

	metrics.ShadowInteractionsTotal.WithLabelValues("captured").Inc()
	if r.sink != nil {
		r.sink.EnqueueInteraction(snapshot)
	}
	return snapshot, nil
}

// AttachAlternative pairs the agent's alternative with a captured interaction
// and scores the pair. EndSession waits for attachments already in flight.
func (r *Runner) AttachAlternative(ctx context.Context, interactionID string, agent Action) (ComparisonResult, error) {
	if err := agent.Validate(); err != nil {
		return ComparisonResult{}, fmt.Errorf("%w: agent alternative: %v", ErrInvalidInteraction, err)
	}
	r.mu.RLock()
	st, ok := r.interactions[interactionID]
	r.mu.RUnlock()
	if !ok {
		return ComparisonResult{}, &NotFoundError{Kind: "interaction", ID: interactionID}
	}

	st.mu.Lock()
	if st.closing || st.session.Status != StatusActive {
		st.mu.Unlock()
		return ComparisonResult{}, ErrSessionNotActive
	}
	in, ok := st.interactions[interactionID]
	if !ok {
		st.mu.Unlock()
		return ComparisonResult{}, &NotFoundError{Kind: "interaction", ID: interactionID}
	}
	if in.AgentAlternative != nil {
		st.mu.Unlock()
		return ComparisonResult{}, ErrAlreadyCompared
	}
	in.AgentAlternative = agent
	human := in.HumanAction
	st.inflight.Add(1)
	st.mu.Unlock()
	defer st.inflight.Done()

	dims, overall, err := Compare(human, agent, r.cfg.Compare)
	if err != nil {
		st.mu.Lock()
		in.AgentAlternative = nil
		st.mu.Unlock()
		return ComparisonResult{}, err
	}
	now := r.now()
	result := ComparisonResult{
		InteractionID:    interactionID,
		SessionID:        st.session.ID,
		TenantID:         st.session.TenantID,
		Dimensions:       dims,
		OverallAgreement: overall,
		ComparedAt:       now,
	}

	st.mu.Lock()
	in.ComparedAt = &now
	st.results[interactionID] = result
	snapshot := *in
	st.mu.Unlock()

	metrics.ShadowInteractionsTotal.WithLabelValues("compared").Inc()
	metrics.ShadowAgreement.Observe(overall)
	if r.sink != nil {
		r.sink.EnqueueInteraction(snapshot)
		r.sink.EnqueueComparison(result)
	}
	return result, nil
}

// EndSession completes a session. It refuses new captures at once, waits for
// in-flight attachments, then computes stats over completed comparisons only.
// The loser of two racing calls gets a *ConcurrencyConflict.
func (r *Runner) EndSession(ctx context.Context, sessionID string) (Stats, error) {
	st, err := r.lookupSession(sessionID)
	if err != nil {
		if err == ErrSessionNotActive {
			return Stats{}, &ConcurrencyConflict{SessionID: sessionID, Detail: "session already finalized"}
		}
		return Stats{}, err
	}

	st.mu.Lock()
	if st.closing {
		st.mu.Unlock()
		return Stats{}, &ConcurrencyConflict{SessionID: sessionID, Detail: "session is already being finalized"}
	}
	st.closing = true
	st.mu.Unlock()

	st.inflight.Wait()

	st.mu.Lock()
	ended := r.now()
	st.session.Status = StatusCompleted
	st.session.EndedAt = &ended
	results := make([]ComparisonResult, 0, len(st.results))
	for _, id := range st.order {
		if res, ok := st.results[id]; ok {
			results = append(results, res)
		}
	}
	session := st.session
	discarded := len(st.order) - len(results)
	st.mu.Unlock()

	stats := ComputeStats(sessionID, results)
	r.finalize(st, &finalized{session: session, stats: &stats, results: results})

	r.logger.Info("Shadow session completed",
		zap.String("session_id", sessionID),
		zap.Int("compared", stats.TotalInteractions),
		zap.Int("discarded", discarded),
		zap.Float64("avg_agreement", stats.AvgAgreement))
	if r.audit != nil {
		_ = r.audit.LogSession(ctx, audit.EventShadowSessionCompleted, session.TenantID, sessionID,
			fmt.Sprintf("%d compared, %d discarded", stats.TotalInteractions, discarded))
	}
	if r.sink != nil {
		r.sink.EnqueueSession(session)
	}
	if r.hook != nil {
		r.hook(ctx, session, results)
	}
	return stats, nil
}

// AbortSession discards everything captured and emits no stats. Finalized
// sessions are left untouched.
func (r *Runner) AbortSession(ctx context.Context, sessionID string) error {
	st, err := r.lookupSession(sessionID)
	if err != nil {
		if err == ErrSessionNotActive {
			return ErrSessionFinalized
		}
		return err
	}

	st.mu.Lock()
	if st.closing {
		st.mu.Unlock()
		return &ConcurrencyConflict{SessionID: sessionID, Detail: "session is already being finalized"}
	}
	st.closing = true
	st.mu.Unlock()

	st.inflight.Wait()

	st.mu.Lock()
	ended := r.now()
	st.session.Status = StatusAborted
	st.session.EndedAt = &ended
	session := st.session
	discarded := len(st.order)
	st.interactions = nil
	st.results = nil
	st.mu.Unlock()

	r.finalize(st, &finalized{session: session})

	r.logger.Info("Shadow session aborted", zap.String("session_id", sessionID), zap.Int("discarded", discarded))
	if r.audit != nil {
		_ = r.audit.LogSession(ctx, audit.EventShadowSessionAborted, session.TenantID, sessionID,
			fmt.Sprintf("%d interactions discarded", discarded))
	}
	if r.sink != nil {
		r.sink.EnqueueSession(session)
	}
	return nil
}

// finalize moves a session out of the live maps.
func (r *Runner) finalize(st *sessionState, f *finalized) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done.Add(f.session.ID, f)
	delete(r.sessions, f.session.ID)
	for _, id := range st.order {
		delete(r.interactions, id)
	}
	metrics.ShadowSessionsActive.Dec()
}

// GetSession returns the current view of a session.
func (r *Runner) GetSession(sessionID string) (Session, error) {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.session, nil
	}
	if f, ok := r.done.Get(sessionID); ok {
		return f.session, nil
	}
	return Session{}, &NotFoundError{Kind: "session", ID: sessionID}
}

// GetStats returns the stats of a completed session.
func (r *Runner) GetStats(sessionID string) (Stats, error) {
	if f, ok := r.done.Get(sessionID); ok {
		if f.stats == nil {
			return Stats{}, fmt.Errorf("%w: session %s was aborted", ErrStatsUnavailable, sessionID)
		}
		return *f.stats, nil
	}
	r.mu.RLock()
	_, live := r.sessions[sessionID]
	r.mu.RUnlock()
	if live {
		return Stats{}, fmt.Errorf("%w: session %s has not ended", ErrStatsUnavailable, sessionID)
	}
	return Stats{}, &NotFoundError{Kind: "session", ID: sessionID}
}

// Results returns the comparisons of a completed session in capture order.
func (r *Runner) Results(sessionID string) ([]ComparisonResult, error) {
	if f, ok := r.done.Get(sessionID); ok {
		if f.stats == nil {
			return nil, fmt.Errorf("%w: session %s was aborted", ErrStatsUnavailable, sessionID)
		}
		return append([]ComparisonResult(nil), f.results...), nil
	}
	return nil, &NotFoundError{Kind: "session", ID: sessionID}
}

// ActiveSessions lists live sessions, oldest first.
func (r *Runner) ActiveSessions() []Session {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.session)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
