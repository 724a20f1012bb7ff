package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
)

// ReviewRequest is the body of POST /learning/patterns/{id}/review.
type ReviewRequest struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

// ReviewResponse carries the reviewed pattern. ForwardError is set when the
// decision was recorded but the guideline store did not accept it.
type ReviewResponse struct {
	Pattern      learning.Pattern `json:"pattern"`
	ForwardError string           `json:"forward_error,omitempty"`
}

// handleListPatterns handles GET /learning/patterns?tenant_id=&status=
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	patterns, err := s.engine.ListLearnedPatterns(r.Context(), q.Get("tenant_id"), q.Get("status"))
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if patterns == nil {
		patterns = []learning.Pattern{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

// handleGetPattern handles GET /learning/patterns/{id}
func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetLearnedPattern(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleReviewPattern handles POST /learning/patterns/{id}/review
func (s *Server) handleReviewPattern(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, fmt.Sprintf("Invalid request: %v", err))
		return
	}
	p, err := s.engine.ReviewLearnedPattern(r.Context(), mux.Vars(r)["id"], req.Approved, req.Reviewer, req.Note)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ReviewResponse{Pattern: p})
	case errors.Is(err, learning.ErrNotForwarded):
		s.logger.Sugar().Warnw("Review recorded without forwarding", "pattern", p.ID, "error", err)
		respondJSON(w, http.StatusAccepted, ReviewResponse{Pattern: p, ForwardError: err.Error()})
	default:
		respondError(w, err)
	}
}
