package autonomy

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError rejects an autonomy policy at load time. There is no silent
// defaulting: every problem found is listed.
type ConfigError struct {
	Source   string
	Problems []string
}

func (e *ConfigError) Error() string {
	src := e.Source
	if src == "" {
		src = "inline"
	}
	return fmt.Sprintf("invalid autonomy config (%s): %s", src, strings.Join(e.Problems, "; "))
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// InvariantViolation marks a corrupted key state. Auto transitions for the key
// stop until an operator resumes it.
type InvariantViolation struct {
	TenantID   string
	ActionType string
	Detail     string
}

func (e *InvariantViolation) Error() string {
	if e.TenantID == "" && e.ActionType == "" {
		return "autonomy invariant violation: " + e.Detail
	}
	return fmt.Sprintf("autonomy invariant violation for %s/%s: %s", e.TenantID, e.ActionType, e.Detail)
}

var (
	// ErrKeyHalted is returned for manual changes on a halted key other than ResumeKey.
	ErrKeyHalted = errors.New("autonomy key is halted")
	// ErrKeyNotHalted is returned by ResumeKey on a healthy key.
	ErrKeyNotHalted = errors.New("autonomy key is not halted")
	// ErrInvalidManualTransition rejects manual changes that would break the ladder.
	ErrInvalidManualTransition = errors.New("invalid manual transition")
)
