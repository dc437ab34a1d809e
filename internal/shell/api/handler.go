package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/manyminds/api2go/jsonapi"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api/middleware"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api/resources"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/orchestrator"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/store"
)

const contentType = "application/vnd.api+json"

// maxBodyBytes bounds a submission document.
const maxBodyBytes = 32 << 20

// Deployments is the orchestrator surface served over HTTP.
type Deployments interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Deployment, error)
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context, ownerID string, opts store.ListOptions) ([]domain.Deployment, error)
	Transitions(ctx context.Context, id string) ([]store.Transition, error)
	Cancel(id string) error
	Stop(ctx context.Context, id string) (*domain.Deployment, error)
	Destroy(ctx context.Context, id string) (*domain.Deployment, error)
	Retry(ctx context.Context, id string) (*domain.Deployment, error)
}

// =============================================================================
// Handler
// =============================================================================

// Handler serves the deployment resource.
type Handler struct {
	deployments Deployments
	logger      *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deployments, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		deployments: d,
		logger:      l.With("component", "api"),
	}
}

// Mount registers the deployment routes.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", h.handleSubmit)
		r.With(middleware.RequireOwner(h.logger)).Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Delete("/{id}", h.handleDestroy)
		r.Get("/{id}/transitions", h.handleTransitions)
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/stop", h.handleStop)
		r.Post("/{id}/retry", h.handleRetry)
	})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.writeError(w, r, newHTTPError(http.StatusBadRequest, "invalid_body", "failed to read body"))
		return
	}
	if len(body) > maxBodyBytes {
		h.writeError(w, r, newHTTPError(http.StatusRequestEntityTooLarge, "body_too_large", "document too large"))
		return
	}

	var doc resources.DeploymentRequest
	if err := jsonapi.Unmarshal(body, &doc); err != nil {
		h.writeError(w, r, newHTTPError(http.StatusBadRequest, "invalid_document", err.Error()))
		return
	}
	timeout, err := doc.TimeoutDuration()
	if err != nil {
		h.writeError(w, r, &domain.ValidationError{Reason: err.Error(), Location: "timeout"})
		return
	}

	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		owner = doc.OwnerID
	}
	if doc.OwnerID != "" && doc.OwnerID != owner {
		h.writeError(w, r, newHTTPError(http.StatusForbidden, "owner_mismatch",
			"owner_id does not match "+middleware.HeaderOwnerID))
		return
	}

	d, err := h.deployments.Submit(r.Context(), orchestrator.SubmitRequest{
		OwnerID:  owner,
		Files:    doc.DomainFiles(),
		Env:      doc.Env,
		Port:     doc.Port,
		Timeout:  timeout,
		Priority: domain.Priority(doc.Priority),
	})
	if err != nil {
		h.writeSubmitError(w, r, d, err)
		return
	}

	h.logger.Info("deployment submitted", "deployment_id", d.ID, "owner_id", d.OwnerID)
	w.Header().Set("Location", "/api/v1/deployments/"+d.ID)
	h.writeDocument(w, http.StatusCreated, resources.DeploymentFromDomain(d))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	q := r.URL.Query()
	if v, err := strconv.Atoi(q.Get("page[limit]")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("page[offset]")); err == nil {
		opts.Offset = v
	}

	list, err := h.deployments.List(r.Context(), middleware.OwnerFromContext(r.Context()), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDocument(w, http.StatusOK, resources.DeploymentsFromDomain(list))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := h.load(w, r)
	if !ok {
		return
	}
	h.writeDocument(w, http.StatusOK, resources.DeploymentFromDomain(d))
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request) {
	d, ok := h.load(w, r)
	if !ok {
		return
	}
	list, err := h.deployments.Transitions(r.Context(), d.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDocument(w, http.StatusOK, resources.TransitionsFromStore(list))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	d, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.deployments.Cancel(d.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("deployment cancel requested", "deployment_id", d.ID)
	h.writeDocument(w, http.StatusAccepted, resources.DeploymentFromDomain(d))
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, http.StatusOK, h.deployments.Stop)
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, http.StatusOK, h.deployments.Destroy)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	d, ok := h.load(w, r)
	if !ok {
		return
	}
	next, err := h.deployments.Retry(r.Context(), d.ID)
	if err != nil {
		h.writeSubmitError(w, r, next, err)
		return
	}
	h.logger.Info("deployment retried", "deployment_id", next.ID, "retry_of", d.ID)
	w.Header().Set("Location", "/api/v1/deployments/"+next.ID)
	h.writeDocument(w, http.StatusCreated, resources.DeploymentFromDomain(next))
}

func (h *Handler) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	op func(ctx context.Context, id string) (*domain.Deployment, error),
) {
	d, ok := h.load(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), d.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDocument(w, status, resources.DeploymentFromDomain(updated))
}

// load fetches the deployment named in the path. Deployments of other
// owners are reported as missing.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*domain.Deployment, bool) {
	id := chi.URLParam(r, "id")
	d, err := h.deployments.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if owner := middleware.OwnerFromContext(r.Context()); owner != "" && owner != d.OwnerID {
		h.writeError(w, r, store.ErrNotFound)
		return nil, false
	}
	return d, true
}

// =============================================================================
// Responses
// =============================================================================

func (h *Handler) writeDocument(w http.ResponseWriter, status int, data any) {
	body, err := jsonapi.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal document", "error", err)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

// writeSubmitError reports a rejected submission. A deployment recorded as
// failed before the rejection is referenced in the error meta.
func (h *Handler) writeSubmitError(w http.ResponseWriter, r *http.Request, d *domain.Deployment, err error) {
	var meta map[string]any
	if d != nil {
		meta = map[string]any{"deployment_id": d.ID, "status": string(d.Status)}
	}
	h.writeErrorMeta(w, r, err, meta)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorMeta(w, r, err, nil)
}

func (h *Handler) writeErrorMeta(w http.ResponseWriter, r *http.Request, err error, meta map[string]any) {
	httpErr, status := toHTTPError(err)
	if meta != nil {
		if existing, ok := httpErr.Errors[0].Meta.(map[string]any); ok {
			for k, v := range existing {
				meta[k] = v
			}
		}
		httpErr.Errors[0].Meta = meta
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	var rejected *domain.AdmissionRejectedError
	if errors.As(err, &rejected) && rejected.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resources.RetryAfterSeconds(rejected.RetryAfter)))
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(httpErr); encodeErr != nil {
		h.logger.Error("failed to encode error", "error", encodeErr)
	}
}
