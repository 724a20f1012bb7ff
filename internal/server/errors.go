package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dstep24/rileyrecruiter-sub005/internal/learning"
	"github.com/dstep24/rileyrecruiter-sub005/internal/safety/autonomy"
	"github.com/dstep24/rileyrecruiter-sub005/internal/shadow"
)

// APIError represents a structured API error response
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, APIError{Error: message, Code: code, Message: message})
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondErrorWithCode(w, http.StatusBadRequest, ErrCodeInvalidRequest, message)
}

// respondError maps domain errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	respondErrorWithCode(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	var (
		notFound  *shadow.NotFoundError
		conflict  *shadow.ConcurrencyConflict
		violation *autonomy.InvariantViolation
	)
	switch {
	case errors.As(err, &notFound),
		errors.Is(err, learning.ErrPatternNotFound):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.As(err, &conflict),
		errors.As(err, &violation),
		errors.Is(err, shadow.ErrSessionNotActive),
		errors.Is(err, shadow.ErrSessionFinalized),
		errors.Is(err, shadow.ErrAlreadyCompared),
		errors.Is(err, shadow.ErrStatsUnavailable),
		errors.Is(err, learning.ErrAlreadyReviewed),
		errors.Is(err, autonomy.ErrKeyHalted),
		errors.Is(err, autonomy.ErrKeyNotHalted):
		return http.StatusConflict, ErrCodeConflict

	case errors.Is(err, shadow.ErrInvalidInteraction),
		errors.Is(err, shadow.ErrNothingToCompare),
		errors.Is(err, learning.ErrReviewerRequired),
		errors.Is(err, autonomy.ErrInvalidManualTransition):
		return http.StatusBadRequest, ErrCodeInvalidRequest

	case errors.Is(err, learning.ErrNotForwarded):
		return http.StatusBadGateway, ErrCodeUnavailable
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

const maxBodyBytes = 1 << 20

// decodeJSON decodes the request body into v, rejecting unknown fields and
// bodies over maxBodyBytes.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
