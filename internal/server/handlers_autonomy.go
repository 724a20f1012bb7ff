package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dstep24/rileyrecruiter-sub005/internal/analytics/outcomes"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
)

// OutcomeRequest is the body of POST /autonomy/{tenant}/{action}/outcomes.
type OutcomeRequest struct {
	Agreed         bool           `json:"agreed"`
	Escalated      bool           `json:"escalated"`
	Confidence     float64        `json:"confidence"`
	ProposedAction map[string]any `json:"proposed_action,omitempty"`
	RiskFlags      []string       `json:"risk_flags,omitempty"`
}

// OutcomeResponse reports the transition an outcome triggered, if any.
type OutcomeResponse struct {
	Level      autonomy.Level       `json:"level"`
	Metrics    outcomes.Metrics     `json:"metrics"`
	Transition *autonomy.Transition `json:"transition,omitempty"`
}

// ApprovalResponse is the gate decision for a proposed action.
type ApprovalResponse struct {
	RequiresApproval bool           `json:"requires_approval"`
	Reason           string         `json:"reason"`
	Level            autonomy.Level `json:"level"`
}

// SetLevelRequest is the body of PUT /autonomy/{tenant}/{action}/level.
type SetLevelRequest struct {
	Level  autonomy.Level `json:"level"`
	Actor  string         `json:"actor"`
	Reason string         `json:"reason"`
}

// ResumeRequest is the body of POST /autonomy/{tenant}/{action}/resume.
type ResumeRequest struct {
	Actor string `json:"actor"`
}

func keyVars(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	return vars["tenant"], vars["action"]
}

// handleListKeys handles GET /autonomy/keys
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.engine.ListKeys()
	respondJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

// handleGetStatus handles GET /autonomy/{tenant}/{action}
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	respondJSON(w, http.StatusOK, s.engine.GetStatus(r.Context(), tenant, action))
}

// handleGetLevel handles GET /autonomy/{tenant}/{action}/level
func (s *Server) handleGetLevel(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":   tenant,
		"action_type": action,
		"level":       s.engine.GetAutonomyLevel(r.Context(), tenant, action),
	})
}

// handleGetMetrics handles GET /autonomy/{tenant}/{action}/metrics
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	respondJSON(w, http.StatusOK, s.engine.GetMetrics(r.Context(), tenant, action))
}

// handleListTransitions handles GET /autonomy/{tenant}/{action}/transitions?since=RFC3339
func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondBadRequest(w, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = t
	}
	ts := s.engine.ListTransitions(r.Context(), tenant, action, since)
	respondJSON(w, http.StatusOK, map[string]any{"transitions": ts, "count": len(ts)})
}

// handleRecordOutcome handles POST /autonomy/{tenant}/{action}/outcomes
func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	var req OutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	actx := &autonomy.ActionContext{
		TenantID:       tenant,
		ActionType:     action,
		ProposedAction: req.ProposedAction,
		Confidence:     req.Confidence,
		RiskFlags:      req.RiskFlags,
	}
	if err := actx.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	t, err := s.engine.RecordOutcome(r.Context(), actx, outcomes.Outcome{Agreed: req.Agreed, Escalated: req.Escalated})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, OutcomeResponse{
		Level:      s.engine.GetAutonomyLevel(r.Context(), tenant, action),
		Metrics:    s.engine.GetMetrics(r.Context(), tenant, action),
		Transition: t,
	})
}

// handleShouldRequireApproval handles POST /autonomy/approval
func (s *Server) handleShouldRequireApproval(w http.ResponseWriter, r *http.Request) {
	var actx autonomy.ActionContext
	if err := decodeJSON(r, &actx); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	if err := actx.Validate(); err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	required, reason := s.engine.ShouldRequireApproval(r.Context(), &actx)
	respondJSON(w, http.StatusOK, ApprovalResponse{
		RequiresApproval: required,
		Reason:           reason,
		Level:            s.engine.GetAutonomyLevel(r.Context(), actx.TenantID, actx.ActionType),
	})
}

// handleSetLevel handles PUT /autonomy/{tenant}/{action}/level
func (s *Server) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	var req SetLevelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	t, err := s.engine.SetAutonomyLevel(r.Context(), tenant, action, req.Level, req.Actor, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleResumeKey handles POST /autonomy/{tenant}/{action}/resume
func (s *Server) handleResumeKey(w http.ResponseWriter, r *http.Request) {
	tenant, action := keyVars(r)
	var req ResumeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	t, err := s.engine.ResumeKey(r.Context(), tenant, action, req.Actor)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}
