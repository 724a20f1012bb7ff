package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
)

// Retention prunes persisted audit events older than MaxAge.
type Retention struct {
	Store    db.AuditStore
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

// PruneOnce deletes expired events and returns how many were removed.
func (r *Retention) PruneOnce(ctx context.Context) (int64, error) {
	if r.MaxAge <= 0 {
		return 0, nil
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return r.Store.PruneAuditEvents(ctx, now().Add(-r.MaxAge))
}

// Run prunes immediately and then every Interval until ctx is done.
// A zero MaxAge keeps events forever and Run returns at once.
func (r *Retention) Run(ctx context.Context) error {
	if r.MaxAge <= 0 {
		return nil
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.PruneOnce(ctx)
		if err != nil {
			logger.Warn("Audit retention prune failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("Pruned expired audit events", zap.Int64("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
