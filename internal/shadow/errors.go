package shadow

import (
	"errors"
	"fmt"
)

// NotFoundError is returned for unknown session or interaction ids.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// ConcurrencyConflict is returned to the loser of two racing finalisations.
type ConcurrencyConflict struct {
	SessionID string
	Detail    string
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Detail)
}

var (
	ErrSessionNotActive   = errors.New("shadow session is not active")
	ErrSessionFinalized   = errors.New("shadow session is already finalized")
	ErrStatsUnavailable   = errors.New("shadow stats are unavailable")
	ErrAlreadyCompared    = errors.New("interaction already has an agent alternative")
	ErrNothingToCompare   = errors.New("both human action and agent alternative are required")
	ErrInvalidInteraction = errors.New("invalid interaction")
)
