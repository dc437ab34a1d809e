package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/manyminds/api2go"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/orchestrator"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

// newHTTPError builds a single-error JSON:API error document.
func newHTTPError(status int, code, detail string) api2go.HTTPError {
	httpErr := api2go.NewHTTPError(nil, detail, status)
	httpErr.Errors = []api2go.Error{{
		Status: strconv.Itoa(status),
		Code:   code,
		Title:  http.StatusText(status),
		Detail: detail,
	}}
	return httpErr
}

// toHTTPError maps an orchestrator error to its JSON:API representation and
// HTTP status.
func toHTTPError(err error) (api2go.HTTPError, int) {
	var httpErr api2go.HTTPError
	if errors.As(err, &httpErr) && len(httpErr.Errors) > 0 {
		status, convErr := strconv.Atoi(httpErr.Errors[0].Status)
		if convErr != nil {
			status = http.StatusInternalServerError
		}
		return httpErr, status
	}

	var (
		validation *domain.ValidationError
		rejected   *domain.AdmissionRejectedError
	)
	switch {
	case errors.As(err, &validation):
		out := newHTTPError(http.StatusBadRequest, string(domain.ErrorKindValidation), validation.Reason)
		if validation.Location != "" {
			out.Errors[0].Source = &api2go.ErrorSource{Pointer: "/data/attributes/" + validation.Location}
		}
		return out, http.StatusBadRequest

	case errors.As(err, &rejected):
		out := newHTTPError(http.StatusTooManyRequests, string(domain.ErrorKindAdmissionRejected), rejected.Reason)
		if rejected.RetryAfter > 0 {
			out.Errors[0].Meta = map[string]any{"retry_after": rejected.RetryAfter.String()}
		}
		return out, http.StatusTooManyRequests

	case store.IsNotFound(err):
		return newHTTPError(http.StatusNotFound, "not_found", "deployment not found"), http.StatusNotFound

	case errors.Is(err, orchestrator.ErrWorkflowActive):
		return newHTTPError(http.StatusConflict, "workflow_active", err.Error()), http.StatusConflict

	case errors.Is(err, orchestrator.ErrNotActive):
		return newHTTPError(http.StatusConflict, "not_active", err.Error()), http.StatusConflict

	case errors.Is(err, orchestrator.ErrNotRetryable):
		return newHTTPError(http.StatusConflict, "not_retryable", err.Error()), http.StatusConflict

	case errors.Is(err, domain.ErrInvalidTransition):
		return newHTTPError(http.StatusConflict, "invalid_transition", err.Error()), http.StatusConflict

	case errors.Is(err, orchestrator.ErrShuttingDown):
		return newHTTPError(http.StatusServiceUnavailable, "shutting_down", err.Error()), http.StatusServiceUnavailable
	}

	return newHTTPError(http.StatusInternalServerError, string(domain.ErrorKindInternal), "internal error"),
		http.StatusInternalServerError
}
