package sagaway

import (
	"errors"
	"fmt"
)

var (
	ErrEntityNotFound  = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrLeaseHeld       = errors.New("lease held by another worker")
	ErrLeaseExpired    = errors.New("lease expired")
)

// ValidationError rejects bad input at registration or Start. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientStepError marks a step failure worth retrying within the step's
// retry budget (network flake, dependency unavailable, timeout).
type TransientStepError struct {
	Reason string
	Cause  error
}

func (e *TransientStepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Cause)
	}

	return "transient: " + e.Reason
}

func (e *TransientStepError) Unwrap() error { return e.Cause }

func NewTransientError(reason string, cause error) *TransientStepError {
	return &TransientStepError{Reason: reason, Cause: cause}
}

// PermanentStepError marks a business rejection ("card declined").
// No retry; compensation starts immediately.
type PermanentStepError struct {
	Reason string
	Cause  error
}

func (e *PermanentStepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Cause)
	}

	return "permanent: " + e.Reason
}

func (e *PermanentStepError) Unwrap() error { return e.Cause }

func NewPermanentError(reason string, cause error) *PermanentStepError {
	return &PermanentStepError{Reason: reason, Cause: cause}
}

// CompensationError wraps a failure while rolling back a step.
type CompensationError struct {
	StepName string
	Cause    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of %q failed: %v", e.StepName, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// IsTransient reports whether err should be retried rather than trigger
// compensation. Unclassified errors are treated as permanent: compensating
// on an unknown failure is safe, retrying it may not be.
func IsTransient(err error) bool {
	var transient *TransientStepError

	return errors.As(err, &transient)
}
