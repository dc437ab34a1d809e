package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/breaker"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/sandbox"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrWorkflowActive is returned when an operation needs the workflow to
	// have finished first.
	ErrWorkflowActive = errors.New("deployment workflow is still running")

	// ErrNotActive is returned by Cancel when no workflow owns the deployment.
	ErrNotActive = errors.New("deployment has no running workflow")

	// ErrNotRetryable is returned by Retry for deployments that did not fail.
	ErrNotRetryable = errors.New("only failed deployments can be retried")

	// ErrShuttingDown is returned once Shutdown has been called. It is also the
	// cancellation cause of workflows interrupted by Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// HealthCheckError reports that the deployed application never answered.
type HealthCheckError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("%s did not become healthy after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *HealthCheckError) Unwrap() error {
	return e.Err
}

func (e *HealthCheckError) Kind() domain.ErrorKind {
	return domain.ErrorKindHealthCheck
}

// =============================================================================
// Classification
// =============================================================================

// classify converts a workflow error into the persisted form.
func classify(err error, step domain.DeploymentStatus) *domain.DeploymentError {
	de := &domain.DeploymentError{
		Kind:    domain.ErrorKindInternal,
		Message: err.Error(),
		Step:    step,
	}

	var (
		validation *domain.ValidationError
		rejected   *domain.AdmissionRejectedError
		open       *breaker.OpenError
		provider   *sandbox.ProviderError
		timeout    *domain.TimeoutError
		health     *HealthCheckError
	)
	switch {
	case errors.As(err, &validation):
		de.Kind = domain.ErrorKindValidation
		de.Location = validation.Location
	case errors.As(err, &rejected):
		de.Kind = domain.ErrorKindAdmissionRejected
		de.Retryable = true
		de.RetryAfter = rejected.RetryAfter
	case errors.Is(err, domain.ErrCancelled):
		de.Kind = domain.ErrorKindCancelled
	case errors.Is(err, ErrShuttingDown):
		de.Kind = domain.ErrorKindInterrupted
		de.Retryable = true
	case errors.As(err, &timeout):
		de.Kind = domain.ErrorKindTimeout
		de.Retryable = true
	case errors.As(err, &open):
		de.Kind = domain.ErrorKindCircuitOpen
		de.Retryable = true
		de.RetryAfter = open.Remaining
	case errors.As(err, &health):
		de.Kind = domain.ErrorKindHealthCheck
		de.Retryable = true
	case errors.As(err, &provider):
		de.Kind = provider.Kind()
		de.Retryable = provider.Transient()
	case errors.Is(err, context.DeadlineExceeded):
		de.Kind = domain.ErrorKindTimeout
		de.Retryable = true
	}
	return de
}
