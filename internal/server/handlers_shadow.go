package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

// StartSessionRequest is the body of POST /shadow/sessions.
type StartSessionRequest struct {
	TenantID    string `json:"tenant_id"`
	CaptureType string `json:"capture_type"`
}

// CaptureRequest is the body of POST /shadow/sessions/{id}/interactions.
type CaptureRequest struct {
	Context     map[string]any `json:"context,omitempty"`
	HumanAction shadow.Action  `json:"human_action"`
}

// AlternativeRequest is the body of POST /shadow/interactions/{id}/alternative.
type AlternativeRequest struct {
	AgentAction shadow.Action `json:"agent_action"`
}

// handleStartSession handles POST /shadow/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	sess, err := s.engine.StartShadowSession(r.Context(), req.TenantID, req.CaptureType)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// handleListActiveSessions handles GET /shadow/sessions
func (s *Server) handleListActiveSessions(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	out := make([]shadow.Session, 0)
	for _, sess := range s.engine.ListActiveShadowSessions() {
		if tenant == "" || sess.TenantID == tenant {
			out = append(out, sess)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

// handleGetSession handles GET /shadow/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetShadowSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleCaptureInteraction handles POST /shadow/sessions/{id}/interactions
func (s *Server) handleCaptureInteraction(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	in, err := s.engine.CaptureInteraction(r.Context(), mux.Vars(r)["id"], req.Context, req.HumanAction)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, in)
}

// handleAttachAlternative handles POST /shadow/interactions/{id}/alternative
func (s *Server) handleAttachAlternative(w http.ResponseWriter, r *http.Request) {
	var req AlternativeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	res, err := s.engine.AttachAlternative(r.Context(), mux.Vars(r)["id"], req.AgentAction)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleEndSession handles POST /shadow/sessions/{id}/end
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.EndShadowSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleAbortSession handles POST /shadow/sessions/{id}/abort
func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.AbortShadowSession(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(shadow.StatusAborted)})
}

// handleGetStats handles GET /shadow/sessions/{id}/stats
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetShadowStats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
