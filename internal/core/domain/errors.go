package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrCancelled is recorded when a caller cancels a deployment mid-workflow.
var ErrCancelled = errors.New("deployment cancelled")

// ValidationError reports bad input. It never touches the provider.
type ValidationError struct {
	Reason   string
	Location string // e.g. "entities[0].fields[2]"
}

func (e *ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Location, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// AdmissionRejectedError reports that provisioning capacity is exhausted.
type AdmissionRejectedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *AdmissionRejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission rejected: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return "admission rejected: " + e.Reason
}

// TimeoutError reports that a step or the aggregate workflow budget ran out.
type TimeoutError struct {
	Step   string
	Budget time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded its %s budget", e.Step, e.Budget)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// InternalError marks an invariant violation. It always indicates a bug.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAdmissionRejected reports whether err is (or wraps) an AdmissionRejectedError.
func IsAdmissionRejected(err error) bool {
	var a *AdmissionRejectedError
	return errors.As(err, &a)
}

// Kind implementations map each error onto its persisted classification.

func (e *ValidationError) Kind() ErrorKind        { return ErrorKindValidation }
func (e *AdmissionRejectedError) Kind() ErrorKind { return ErrorKindAdmissionRejected }
func (e *TimeoutError) Kind() ErrorKind           { return ErrorKindTimeout }
func (e *InternalError) Kind() ErrorKind          { return ErrorKindInternal }
