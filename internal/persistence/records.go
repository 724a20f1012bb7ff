package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// EnqueueTransition implements autonomy.TransitionSink.
func (w *Writer) EnqueueTransition(t autonomy.Transition) {
	w.enqueue(job{
		kind:     KindTransition,
		key:      t.ID,
		shardKey: t.TenantID + "|" + t.ActionType,
		tenantID: t.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			rec, err := transitionRecord(t)
			if err != nil {
				return err
			}
			return s.AppendTransition(ctx, rec)
		},
	})
}

// EnqueueSession implements shadow.RecordSink.
func (w *Writer) EnqueueSession(sess shadow.Session) {
	w.enqueue(job{
		kind:     KindSession,
		key:      sess.ID,
		shardKey: sess.ID,
		tenantID: sess.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			return s.SaveSession(ctx, &db.SessionRecord{
				ID:          sess.ID,
				TenantID:    sess.TenantID,
				CaptureType: sess.CaptureType,
				Status:      string(sess.Status),
				StartedAt:   sess.StartedAt,
				EndedAt:     sess.EndedAt,
			})
		},
	})
}

// EnqueueInteraction implements shadow.RecordSink.
func (w *Writer) EnqueueInteraction(in shadow.Interaction) {
	w.enqueue(job{
		kind:     KindInteraction,
		key:      in.ID,
		shardKey: in.SessionID,
		tenantID: in.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			rec, err := interactionRecord(in)
			if err != nil {
				return err
			}
			return s.SaveInteraction(ctx, rec)
		},
	})
}

// EnqueueComparison implements shadow.RecordSink.
func (w *Writer) EnqueueComparison(r shadow.ComparisonResult) {
	w.enqueue(job{
		kind:     KindComparison,
		key:      r.InteractionID,
		shardKey: r.SessionID,
		tenantID: r.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			dims, err := json.Marshal(r.Dimensions)
			if err != nil {
				return permanent(fmt.Errorf("encode dimensions: %w", err))
			}
			return s.SaveComparison(ctx, &db.ComparisonRecord{
				InteractionID:    r.InteractionID,
				SessionID:        r.SessionID,
				TenantID:         r.TenantID,
				Dimensions:       string(dims),
				OverallAgreement: r.OverallAgreement,
				ComparedAt:       r.ComparedAt,
			})
		},
	})
}

// EnqueuePattern implements learning.PatternSink.
func (w *Writer) EnqueuePattern(p learning.Pattern) {
	w.enqueue(job{
		kind:     KindPattern,
		key:      p.ID,
		shardKey: p.ID,
		tenantID: p.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			body, err := json.Marshal(p)
			if err != nil {
				return permanent(fmt.Errorf("encode pattern: %w", err))
			}
			updated := p.CreatedAt
			if p.ReviewedAt != nil {
				updated = *p.ReviewedAt
			}
			return s.SavePattern(ctx, &db.PatternRecord{
				ID:        p.ID,
				TenantID:  p.TenantID,
				SessionID: p.SessionID,
				Category:  p.Category,
				Status:    string(p.Status),
				Body:      string(body),
				CreatedAt: p.CreatedAt,
				UpdatedAt: updated,
			})
		},
	})
}

// EnqueueAuditEvent implements audit.EventSink.
func (w *Writer) EnqueueAuditEvent(e *audit.Event) {
	if e == nil {
		return
	}
	ev := *e
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	w.enqueue(job{
		kind:     KindAudit,
		key:      ev.ID,
		shardKey: ev.ID,
		tenantID: ev.TenantID,
		write: func(ctx context.Context, s db.Store) error {
			meta := "{}"
			if len(ev.Metadata) > 0 {
				b, err := json.Marshal(ev.Metadata)
				if err != nil {
					return permanent(fmt.Errorf("encode audit metadata: %w", err))
				}
				meta = string(b)
			}
			return s.AppendAuditEvent(ctx, &db.AuditRecord{
				EventID:       ev.ID,
				CorrelationID: ev.CorrelationID,
				EventType:     string(ev.EventType),
				Result:        string(ev.Result),
				Actor:         ev.Actor,
				TenantID:      ev.TenantID,
				ActionType:    ev.ActionType,
				Resource:      ev.Resource,
				Description:   ev.Description,
				Metadata:      meta,
				Error:         ev.Error,
				Timestamp:     ev.Timestamp,
			})
		},
	})
}

// ─── Mapping ──────────────────────────────────────────────────────────────────

func transitionRecord(t autonomy.Transition) (*db.TransitionRecord, error) {
	m, err := json.Marshal(t.Metrics)
	if err != nil {
		return nil, permanent(fmt.Errorf("encode metrics: %w", err))
	}
	return &db.TransitionRecord{
		ID:          t.ID,
		TenantID:    t.TenantID,
		ActionType:  t.ActionType,
		FromLevel:   int(t.From),
		ToLevel:     int(t.To),
		Reason:      t.Reason,
		Metrics:     string(m),
		TriggeredBy: string(t.TriggeredBy),
		Actor:       t.Actor,
		Timestamp:   t.Timestamp,
	}, nil
}

func interactionRecord(in shadow.Interaction) (*db.InteractionRecord, error) {
	rec := &db.InteractionRecord{
		ID:         in.ID,
		SessionID:  in.SessionID,
		TenantID:   in.TenantID,
		CapturedAt: in.CapturedAt,
		ComparedAt: in.ComparedAt,
	}
	if len(in.Context) > 0 {
		b, err := json.Marshal(in.Context)
		if err != nil {
			return nil, permanent(fmt.Errorf("encode context: %w", err))
		}
		rec.Context = string(b)
	}
	b, err := json.Marshal(in.HumanAction)
	if err != nil {
		return nil, permanent(fmt.Errorf("encode human action: %w", err))
	}
	rec.HumanAction = string(b)
	if len(in.AgentAlternative) > 0 {
		b, err := json.Marshal(in.AgentAlternative)
		if err != nil {
			return nil, permanent(fmt.Errorf("encode agent alternative: %w", err))
		}
		rec.AgentAlternative = string(b)
	}
	return rec, nil
}

// ─── Loading ──────────────────────────────────────────────────────────────────

// LoadTransitions reads the full transition history, oldest first.
func LoadTransitions(ctx context.Context, s db.TransitionStore, q db.TransitionQuery) ([]autonomy.Transition, error) {
	recs, err := s.ListTransitions(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]autonomy.Transition, 0, len(recs))
	for _, r := range recs {
		t := autonomy.Transition{
			ID:          r.ID,
			TenantID:    r.TenantID,
			ActionType:  r.ActionType,
			From:        autonomy.Level(r.FromLevel),
			To:          autonomy.Level(r.ToLevel),
			Reason:      r.Reason,
			Timestamp:   r.Timestamp,
			TriggeredBy: autonomy.TriggeredBy(r.TriggeredBy),
			Actor:       r.Actor,
		}
		if err := json.Unmarshal([]byte(r.Metrics), &t.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics of transition %s: %w", r.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadPatterns reads every persisted learned pattern.
func LoadPatterns(ctx context.Context, s db.PatternStore) ([]learning.Pattern, error) {
	recs, err := s.ListPatterns(ctx, "", "")
	if err != nil {
		return nil, err
	}
	out := make([]learning.Pattern, 0, len(recs))
	for _, r := range recs {
		var p learning.Pattern
		if err := json.Unmarshal([]byte(r.Body), &p); err != nil {
			return nil, fmt.Errorf("decode pattern %s: %w", r.ID, err)
		}
		p.Status = learning.PatternStatus(r.Status)
		out = append(out, p)
	}
	return out, nil
}

// LoadSession reads a finalized session and its comparisons in capture order.
func LoadSession(ctx context.Context, s db.ShadowStore, sessionID string) (shadow.Session, []shadow.ComparisonResult, error) {
	rec, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return shadow.Session{}, nil, err
	}
	sess := shadow.Session{
		ID:          rec.ID,
		TenantID:    rec.TenantID,
		CaptureType: rec.CaptureType,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		Status:      shadow.Status(rec.Status),
	}
	comps, err := s.ListComparisons(ctx, sessionID)
	if err != nil {
		return sess, nil, err
	}
	results := make([]shadow.ComparisonResult, 0, len(comps))
	for _, c := range comps {
		r := shadow.ComparisonResult{
			InteractionID:    c.InteractionID,
			SessionID:        c.SessionID,
			TenantID:         c.TenantID,
			OverallAgreement: c.OverallAgreement,
			ComparedAt:       c.ComparedAt,
		}
		if err := json.Unmarshal([]byte(c.Dimensions), &r.Dimensions); err != nil {
			return sess, nil, fmt.Errorf("decode comparison %s: %w", c.InteractionID, err)
		}
		results = append(results, r)
	}
	return sess, results, nil
}

// IsNotFound reports whether err is a missing-row error from the store.
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
