package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
)

// PatternStatus tracks the human review of a proposal.
type PatternStatus string

const (
	StatusPending  PatternStatus = "pending"
	StatusApproved PatternStatus = "approved"
	StatusRejected PatternStatus = "rejected"
)

// ParseStatus accepts "" (any) or one of the statuses.
func ParseStatus(s string) (PatternStatus, error) {
	switch PatternStatus(s) {
	case "", StatusPending, StatusApproved, StatusRejected:
		return PatternStatus(s), nil
	}
	return "", fmt.Errorf("unknown pattern status %q", s)
}

// Pattern is a statistically supported discrepancy, proposed for review.
type Pattern struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	SessionID      string         `json:"session_id"`
	Category       string         `json:"category"`
	Dimension      string         `json:"dimension"`
	Bucket         string         `json:"bucket"`
	Description    string         `json:"description"`
	SupportCount   int            `json:"support_count"`
	Confidence     float64        `json:"confidence"`
	MeanScore      float64        `json:"mean_score"`
	ProposedUpdate ProposedUpdate `json:"proposed_update"`
	Status         PatternStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	ReviewNote     string         `json:"review_note,omitempty"`
}

var (
	ErrPatternNotFound  = errors.New("learned pattern not found")
	ErrAlreadyReviewed  = errors.New("learned pattern already reviewed")
	ErrReviewerRequired = errors.New("reviewer is required")
	// ErrNotForwarded accompanies a recorded decision that could not be
	// delivered to the guideline store.
	ErrNotForwarded = errors.New("review recorded but not forwarded")
)

// PatternSink persists patterns. It must not block.
type PatternSink interface {
	EnqueuePattern(p Pattern)
}

// ReviewForwarder hands a reviewed proposal to the external guideline store.
type ReviewForwarder interface {
	ForwardReview(ctx context.Context, p Pattern) error
}

// Queue holds proposals awaiting review.
type Queue struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern

	sink      PatternSink
	forwarder ReviewForwarder
	audit     audit.Logger
	logger    *zap.Logger
	now       func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithPatternSink(s PatternSink) QueueOption       { return func(q *Queue) { q.sink = s } }
func WithForwarder(f ReviewForwarder) QueueOption     { return func(q *Queue) { q.forwarder = f } }
func WithQueueAuditLogger(l audit.Logger) QueueOption { return func(q *Queue) { q.audit = l } }
func WithQueueLogger(l *zap.Logger) QueueOption       { return func(q *Queue) { q.logger = l } }
func WithQueueClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		patterns: make(map[string]*Pattern),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds new proposals as pending. Patterns already known by id are
// skipped, so re-analysing a session is idempotent. Returns what was added.
func (q *Queue) Enqueue(ctx context.Context, patterns []Pattern) []Pattern {
	now := q.now()
	added := make([]Pattern, 0, len(patterns))

	q.mu.Lock()
	for _, p := range patterns {
		if _, ok := q.patterns[p.ID]; ok {
			continue
		}
		p.Status = StatusPending
		p.CreatedAt = now
		p.ReviewedAt, p.ReviewedBy, p.ReviewNote = nil, "", ""
		stored := p
		q.patterns[p.ID] = &stored
		added = append(added, p)
	}
	q.mu.Unlock()

	for _, p := range added {
		metrics.LearningPatternsTotal.WithLabelValues(p.Category).Inc()
		q.logger.Info("Learned pattern queued for review",
			zap.String("pattern_id", p.ID),
			zap.String("tenant_id", p.TenantID),
			zap.String("category", p.Category),
			zap.Int("support", p.SupportCount))
		if q.audit != nil {
			_ = q.audit.LogProposal(ctx, audit.EventProposalQueued, p.TenantID, p.ID, "", p.Description)
		}
		if q.sink != nil {
			q.sink.EnqueuePattern(p)
		}
	}
	return added
}

// Restore loads persisted patterns without emitting events.
func (q *Queue) Restore(patterns []Pattern) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range patterns {
		stored := p
		q.patterns[p.ID] = &stored
	}
}

// Get returns one pattern.
func (q *Queue) Get(id string) (Pattern, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.patterns[id]
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return *p, nil
}

// List returns the tenant's patterns with the given status ("" for all),
// oldest first.
func (q *Queue) List(tenantID string, status PatternStatus) []Pattern {
	q.mu.RLock()
	out := make([]Pattern, 0)
	for _, p := range q.patterns {
		if p.TenantID != tenantID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Review records a human decision and forwards it. The proposal itself is
// never applied here. A forwarding failure is logged and returned alongside
// the recorded decision.
func (q *Queue) Review(ctx context.Context, id string, approved bool, reviewer, note string) (Pattern, error) {
	if reviewer == "" {
		return Pattern{}, ErrReviewerRequired
	}
	now := q.now()

	q.mu.Lock()
	p, ok := q.patterns[id]
	if !ok {
		q.mu.Unlock()
		return Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	if p.Status != StatusPending {
		q.mu.Unlock()
		return *p, fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, id, p.Status)
	}
	p.Status = StatusRejected
	if approved {
		p.Status = StatusApproved
	}
	p.ReviewedAt = &now
	p.ReviewedBy = reviewer
	p.ReviewNote = note
	reviewed := *p
	q.mu.Unlock()

	if q.audit != nil {
		_ = q.audit.LogProposal(ctx, audit.EventProposalReviewed, reviewed.TenantID, reviewed.ID, reviewer, string(reviewed.Status))
	}
	if q.sink != nil {
		q.sink.EnqueuePattern(reviewed)
	}
	if q.forwarder != nil {
		if err := q.forwarder.ForwardReview(ctx, reviewed); err != nil {
			q.logger.Warn("Failed to forward pattern review", zap.String("pattern_id", id), zap.Error(err))
			return reviewed, fmt.Errorf("%w: %w", ErrNotForwarded, err)
		}
	}
	return reviewed, nil
}
