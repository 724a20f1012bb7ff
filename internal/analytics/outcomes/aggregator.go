package outcomes

// Package outcomes maintains the rolling performance signal of the agent per
// (tenant, action type). Every recorded outcome lands in a bounded sliding
// window; snapshots of that window feed the autonomy state machine.

import (
	"sync"
	"time"
)

// WindowStore gives key-scoped exclusive or shared access to a window.
// UpdateWindow creates the window on first use.
type WindowStore interface {
	UpdateWindow(tenantID, actionType string, fn func(w *Window))
	ReadWindow(tenantID, actionType string, fn func(w *Window)) bool
}

// Aggregator records outcomes and serves metric snapshots.
type Aggregator struct {
	store WindowStore
	now   func() time.Time
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store WindowStore) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// WithClock overrides the time source; used by tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// RecordOutcome appends one outcome and returns the post-write snapshot.
func (a *Aggregator) RecordOutcome(tenantID, actionType string, o Outcome) Metrics {
	var m Metrics
	now := a.now()
	a.store.UpdateWindow(tenantID, actionType, func(w *Window) {
		m = w.Record(o, now)
	})
	return m
}

// ResetWindow drops every outcome recorded for the key.
func (a *Aggregator) ResetWindow(tenantID, actionType string) {
	a.store.UpdateWindow(tenantID, actionType, func(w *Window) { w.Reset() })
}

// GetMetrics returns the current snapshot. An unknown key yields a
// zero-sample snapshot.
func (a *Aggregator) GetMetrics(tenantID, actionType string) Metrics {
	var m Metrics
	now := a.now()
	a.store.ReadWindow(tenantID, actionType, func(w *Window) {
		m = w.Snapshot(now)
	})
	return m
}

type windowKey struct {
	tenantID   string
	actionType string
}

type lockedWindow struct {
	mu sync.RWMutex
	w  *Window
}

// MemoryWindowStore is a standalone WindowStore with one lock per key.
type MemoryWindowStore struct {
	cfg     WindowConfig
	mu      sync.Mutex
	windows map[windowKey]*lockedWindow
}

// NewMemoryWindowStore creates an empty store whose windows use cfg.
func NewMemoryWindowStore(cfg WindowConfig) *MemoryWindowStore {
	return &MemoryWindowStore{cfg: cfg, windows: make(map[windowKey]*lockedWindow)}
}

func (s *MemoryWindowStore) get(tenantID, actionType string, create bool) *lockedWindow {
	k := windowKey{tenantID, actionType}
	s.mu.Lock()
	defer s.mu.Unlock()
	lw, ok := s.windows[k]
	if !ok && create {
		lw = &lockedWindow{w: NewWindow(s.cfg)}
		s.windows[k] = lw
	}
	return lw
}

// UpdateWindow implements WindowStore.
func (s *MemoryWindowStore) UpdateWindow(tenantID, actionType string, fn func(w *Window)) {
	lw := s.get(tenantID, actionType, true)
	lw.mu.Lock()
	defer lw.mu.Unlock()
	fn(lw.w)
}

// ReadWindow implements WindowStore.
func (s *MemoryWindowStore) ReadWindow(tenantID, actionType string, fn func(w *Window)) bool {
	lw := s.get(tenantID, actionType, false)
	if lw == nil {
		return false
	}
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	fn(lw.w)
	return true
}
