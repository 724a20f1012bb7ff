package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dstep24/rileyrecruiter-sub005/internal/db"
	"github.com/dstep24/rileyrecruiter-sub005/internal/persistence"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// handlePersistenceFailures handles GET /persistence/failures
func (s *Server) handlePersistenceFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		respondJSON(w, http.StatusOK, map[string]any{"failures": []persistence.StorageWriteFailure{}, "count": 0, "pending": 0})
		return
	}
	failures := s.failures.Failures()
	respondJSON(w, http.StatusOK, map[string]any{
		"failures": failures,
		"count":    len(failures),
		"pending":  s.failures.Pending(),
	})
}

// handleAuditEvents handles GET /audit/events
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondErrorWithCode(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit store not configured")
		return
	}
	q, err := parseAuditQuery(r)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	events, err := s.audit.QueryAuditEvents(r.Context(), q)
	if err != nil {
		respondError(w, fmt.Errorf("query audit events: %w", err))
		return
	}
	if events == nil {
		events = []*db.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func parseAuditQuery(r *http.Request) (db.AuditQuery, error) {
	v := r.URL.Query()
	q := db.AuditQuery{
		TenantID:   v.Get("tenant_id"),
		ActionType: v.Get("action_type"),
		EventType:  v.Get("event_type"),
		Actor:      v.Get("actor"),
		Limit:      defaultAuditLimit,
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = min(n, maxAuditLimit)
	}
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid offset %q", raw)
		}
		q.Offset = n
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if raw := v.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, fmt.Errorf("invalid %s: %v", name, err)
			}
			*dst = t
		}
	}
	return q, nil
}
