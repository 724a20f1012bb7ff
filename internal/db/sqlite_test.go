package db

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ─── Transitions ──────────────────────────────────────────────────────────────

func TestTransitionsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []*TransitionRecord{
		{ID: "t1", TenantID: "acme", ActionType: "outreach", FromLevel: 1, ToLevel: 2, Reason: "promotion", TriggeredBy: "auto", Timestamp: base},
		{ID: "t2", TenantID: "acme", ActionType: "outreach", FromLevel: 2, ToLevel: 3, Reason: "promotion", TriggeredBy: "auto", Timestamp: base.Add(time.Hour)},
		{ID: "t3", TenantID: "acme", ActionType: "screening", FromLevel: 1, ToLevel: 2, Reason: "promotion", TriggeredBy: "auto", Timestamp: base.Add(30 * time.Minute)},
		{ID: "t4", TenantID: "globex", ActionType: "outreach", FromLevel: 1, ToLevel: 2, Reason: "manual: trial", TriggeredBy: "manual", Actor: "ops", Timestamp: base},
	}
	for _, r := range recs {
		if err := s.AppendTransition(ctx, r); err != nil {
			t.Fatalf("AppendTransition %s: %v", r.ID, err)
		}
	}
	// Retried writes must not duplicate.
	if err := s.AppendTransition(ctx, recs[0]); err != nil {
		t.Fatalf("AppendTransition retry: %v", err)
	}

	all, err := s.ListTransitions(ctx, TransitionQuery{})
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(all))
	}

	key, err := s.ListTransitions(ctx, TransitionQuery{TenantID: "acme", ActionType: "outreach"})
	if err != nil {
		t.Fatalf("ListTransitions key: %v", err)
	}
	if len(key) != 2 || key[0].ID != "t1" || key[1].ID != "t2" {
		t.Fatalf("unexpected key history: %+v", key)
	}
	if !key[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("timestamp round trip: got %v", key[1].Timestamp)
	}
	if key[0].Metrics != "{}" {
		t.Errorf("expected empty metrics blob, got %q", key[0].Metrics)
	}

	since, err := s.ListTransitions(ctx, TransitionQuery{TenantID: "acme", Since: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("ListTransitions since: %v", err)
	}
	if len(since) != 2 || since[0].ID != "t3" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

// ─── Shadow ───────────────────────────────────────────────────────────────────

func TestShadowSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &SessionRecord{ID: "s1", TenantID: "acme", CaptureType: "outreach", Status: "active", StartedAt: base}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != "active" || got.EndedAt != nil {
		t.Fatalf("unexpected session: %+v", got)
	}

	ended := base.Add(2 * time.Hour)
	sess.Status = "completed"
	sess.EndedAt = &ended
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	got, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if got.Status != "completed" || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("session not updated: %+v", got)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestComparisonsInCaptureOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Interaction ids deliberately sort opposite to capture order.
	ids := []string{"z-first", "m-second", "a-third"}
	for i, id := range ids {
		in := &InteractionRecord{
			ID: id, SessionID: "s1", TenantID: "acme",
			HumanAction: `{"tone":{"kind":"categorical","text":"warm"}}`,
			CapturedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveInteraction(ctx, in); err != nil {
			t.Fatalf("SaveInteraction: %v", err)
		}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		c := &ComparisonRecord{
			InteractionID: ids[i], SessionID: "s1", TenantID: "acme",
			Dimensions: "[]", OverallAgreement: float64(i) / 2, ComparedAt: base.Add(time.Hour),
		}
		if err := s.SaveComparison(ctx, c); err != nil {
			t.Fatalf("SaveComparison: %v", err)
		}
	}

	// Comparisons are immutable; the second write is ignored.
	if err := s.SaveComparison(ctx, &ComparisonRecord{InteractionID: ids[0], SessionID: "s1", TenantID: "acme", Dimensions: "[]", OverallAgreement: 0.99, ComparedAt: base}); err != nil {
		t.Fatalf("SaveComparison duplicate: %v", err)
	}

	got, err := s.ListComparisons(ctx, "s1")
	if err != nil {
		t.Fatalf("ListComparisons: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 comparisons, got %d", len(got))
	}
	for i, id := range ids {
		if got[i].InteractionID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].InteractionID)
		}
	}
	if got[0].OverallAgreement != 0 {
		t.Errorf("comparison was overwritten: %v", got[0].OverallAgreement)
	}
}

// ─── Patterns ─────────────────────────────────────────────────────────────────

func TestPatternsUpsertAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, tenant := range []string{"acme", "acme", "globex"} {
		rec := &PatternRecord{
			ID: fmt.Sprintf("p%d", i), TenantID: tenant, SessionID: "s1", Category: "tone-mismatch",
			Status: "pending", Body: "{}", CreatedAt: base.Add(time.Duration(i) * time.Minute), UpdatedAt: base,
		}
		if err := s.SavePattern(ctx, rec); err != nil {
			t.Fatalf("SavePattern: %v", err)
		}
	}
	if err := s.SavePattern(ctx, &PatternRecord{ID: "p0", TenantID: "acme", SessionID: "s1", Category: "tone-mismatch", Status: "approved", Body: `{"status":"approved"}`, CreatedAt: base, UpdatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("SavePattern review: %v", err)
	}

	pending, err := s.ListPatterns(ctx, "acme", "pending")
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "p1" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	all, err := s.ListPatterns(ctx, "", "")
	if err != nil {
		t.Fatalf("ListPatterns all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "p0" || all[0].Status != "approved" {
		t.Fatalf("unexpected patterns: %+v", all)
	}

	if err := s.SavePattern(ctx, &PatternRecord{ID: "bad", TenantID: "acme", Status: "applied", Body: "{}", CreatedAt: base, UpdatedAt: base}); err == nil {
		t.Error("expected status check constraint to reject 'applied'")
	}
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func TestAuditEventsQueryAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &AuditRecord{
			EventID:    fmt.Sprintf("e%d", i),
			EventType:  "autonomy.transition",
			Result:     "success",
			TenantID:   "acme",
			ActionType: "outreach",
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		}
		if i%2 == 1 {
			rec.EventType = "autonomy.approval_required"
		}
		if err := s.AppendAuditEvent(ctx, rec); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}
	if err := s.AppendAuditEvent(ctx, &AuditRecord{EventID: "e0", EventType: "autonomy.transition", Timestamp: base}); err != nil {
		t.Fatalf("AppendAuditEvent duplicate: %v", err)
	}

	transitions, err := s.QueryAuditEvents(ctx, AuditQuery{TenantID: "acme", EventType: "autonomy.transition"})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("expected 3 transition events, got %d", len(transitions))
	}
	if transitions[0].EventID != "e4" {
		t.Errorf("expected newest first, got %s", transitions[0].EventID)
	}

	page, err := s.QueryAuditEvents(ctx, AuditQuery{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("QueryAuditEvents page: %v", err)
	}
	if len(page) != 2 || page[0].EventID != "e3" {
		t.Fatalf("unexpected page: %+v", page)
	}

	n, err := s.PruneAuditEvents(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
