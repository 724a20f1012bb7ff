package alert

// Package alert fans operator alerts out to the application log, the audit
// trail and any live subscribers. Each alert key is throttled on its own so a
// noisy tenant cannot drown the others.

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/metrics"
)

// Kind classifies an alert.
type Kind string

const (
	KindEscalationRule     Kind = "escalation_rule"
	KindInvariantViolation Kind = "invariant_violation"
	KindPersistenceFailure Kind = "persistence_failure"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	TenantID   string    `json:"tenant_id,omitempty"`
	ActionType string    `json:"action_type,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

func (a Alert) throttleKey() string {
	return string(a.Kind) + "|" + a.TenantID + "|" + a.ActionType + "|" + a.RuleID
}

// Subscriber receives delivered alerts. It must not block.
type Subscriber interface {
	Publish(topic string, payload any)
}

// Topic is the subscriber topic alerts are published on.
const Topic = "alert"

// Config throttles alerts per key.
type Config struct {
	RatePerMinute float64
	Burst         int
	// MaxKeys bounds the number of tracked limiters.
	MaxKeys int
}

// Notifier delivers alerts. Raise never blocks on I/O.
type Notifier struct {
	logger   *zap.Logger
	audit    audit.Logger
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]

	mu          sync.RWMutex
	subscribers []Subscriber
	now         func() time.Time
}

// NewNotifier creates a notifier. auditLogger may be nil.
func NewNotifier(cfg Config, logger *zap.Logger, auditLogger audit.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 4096
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	cache, err := lru.New[string, *rate.Limiter](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	return &Notifier{
		logger:   logger.Named("alert"),
		audit:    auditLogger,
		limit:    limit,
		burst:    cfg.Burst,
		limiters: cache,
		now:      time.Now,
	}, nil
}

// Subscribe adds a live subscriber.
func (n *Notifier) Subscribe(s Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers = append(n.subscribers, s)
}

func (n *Notifier) limiter(key string) *rate.Limiter {
	if l, ok := n.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(n.limit, n.burst)
	// A concurrent caller may have added one; keep whichever is cached.
	if prev, ok, _ := n.limiters.PeekOrAdd(key, l); ok {
		return prev
	}
	return l
}

// Raise delivers a unless its key is being throttled. It reports whether the
// alert was delivered.
func (n *Notifier) Raise(ctx context.Context, a Alert) bool {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = n.now()
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}

	delivered := n.limiter(a.throttleKey()).AllowN(a.At, 1)
	metrics.AlertsTotal.WithLabelValues(string(a.Kind), strconv.FormatBool(delivered)).Inc()
	if !delivered {
		n.logger.Debug("Alert throttled", zap.String("kind", string(a.Kind)), zap.String("tenant_id", a.TenantID))
		return false
	}

	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("tenant_id", a.TenantID),
		zap.String("action_type", a.ActionType),
		zap.String("rule_id", a.RuleID),
	}
	if a.Severity == SeverityCritical {
		n.logger.Error(a.Message, fields...)
	} else {
		n.logger.Warn(a.Message, fields...)
	}

	if n.audit != nil && a.Kind == KindEscalationRule {
		_ = n.audit.LogEscalationAlert(ctx, a.TenantID, a.ActionType, a.RuleID, a.Message)
	}

	n.mu.RLock()
	subs := n.subscribers
	n.mu.RUnlock()
	for _, s := range subs {
		s.Publish(Topic, a)
	}
	return true
}
