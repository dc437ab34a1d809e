package sandbox

import (
	"context"
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrSandboxNotFound  = errors.New("sandbox not found")
	ErrImageNotFound    = errors.New("image not found")
	ErrPortNotPublished = errors.New("port is not published")
	ErrCommandFailed    = errors.New("command exited non-zero")
	ErrConnectionFailed = errors.New("container runtime unreachable")
)

// ErrorClass separates failures worth retrying from ones that are not.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// ProviderError wraps a provider failure with its operation and class.
type ProviderError struct {
	Op      string // Operation that failed
	Class   ErrorClass
	Handle  Handle // Sandbox if applicable
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("%s %s (%s): %s", e.Op, shortID(e.Handle), e.Class, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Op, e.Class, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on retry.
func (e *ProviderError) Transient() bool {
	return e.Class == ClassTransient
}

// Kind maps to the persisted error classification.
func (e *ProviderError) Kind() domain.ErrorKind {
	if e.Transient() {
		return domain.ErrorKindProviderTransient
	}
	return domain.ErrorKindProviderPermanent
}

// NewProviderError creates a new ProviderError.
func NewProviderError(op string, class ErrorClass, h Handle, message string, err error) *ProviderError {
	return &ProviderError{
		Op:      op,
		Class:   class,
		Handle:  h,
		Message: message,
		Err:     err,
	}
}

// IsTransient reports whether err carries a transient provider failure.
func IsTransient(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Transient()
}

// classify wraps a container runtime error. Requests the runtime rejects on
// their merits are permanent; outages, timeouts and exhaustion are transient.
func classify(op string, h Handle, err error) *ProviderError {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewProviderError(op, ClassTransient, h, err.Error(), err)
	case client.IsErrConnectionFailed(err):
		return NewProviderError(op, ClassTransient, h, "container runtime unreachable", errors.Join(ErrConnectionFailed, err))
	case cerrdefs.IsNotFound(err):
		return NewProviderError(op, ClassPermanent, h, err.Error(), errors.Join(ErrSandboxNotFound, err))
	case cerrdefs.IsInvalidArgument(err),
		cerrdefs.IsPermissionDenied(err),
		cerrdefs.IsUnauthorized(err),
		cerrdefs.IsConflict(err),
		cerrdefs.IsAlreadyExists(err),
		cerrdefs.IsFailedPrecondition(err),
		cerrdefs.IsNotImplemented(err):
		return NewProviderError(op, ClassPermanent, h, err.Error(), err)
	default:
		return NewProviderError(op, ClassTransient, h, err.Error(), err)
	}
}

func shortID(h Handle) string {
	if len(h) > 12 {
		return string(h[:12])
	}
	return string(h)
}
