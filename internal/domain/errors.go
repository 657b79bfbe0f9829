package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Ingestion-time errors
// (validation, invariant) are synchronous and returned to the caller;
// projection failures are recorded asynchronously; integrity violations are
// fatal for the affected tenant chain and never auto-repaired.
var (
	ErrValidation         = errors.New("validation error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrProjectionFailure  = errors.New("projection failure")
)

// ValidationErrorf wraps ErrValidation with a reason.
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvariantViolationf wraps ErrInvariantViolation with a reason.
func InvariantViolationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a subject.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// IntegrityViolationf wraps ErrIntegrityViolation with chain details.
func IntegrityViolationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrityViolation, fmt.Sprintf(format, args...))
}

// ProjectionFailure describes an accepted event that could not be projected.
// The event is skipped, recorded, and retried on the next replay; it never
// blocks projection of subsequent events.
type ProjectionFailure struct {
	EventID  string `json:"event_id"`
	TenantID string `json:"tenant_id"`
	RunID    string `json:"run_id"`
	Reason   string `json:"reason"`
}
