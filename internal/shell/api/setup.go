// Package api provides the HTTP surface of the deployment orchestrator.
// Resources are exchanged as JSON:API documents.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api/middleware"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api/openapi"
	"github.com/Jackwwg83/coderunner2-sub002/internal/shell/api/resources"
)

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// =============================================================================
// API Setup
// =============================================================================

// Config holds configuration for the API setup.
type Config struct {
	Deployments Deployments
	Logger      *slog.Logger

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// ReadyChecks are run by GET /ready, keyed by dependency name.
	ReadyChecks map[string]ReadyCheck

	// SharedSecret, when set, must be sent by the gateway on every API call.
	SharedSecret string

	// RequestTimeout bounds each API request. Zero disables the limit.
	RequestTimeout time.Duration
}

// SetupAPI creates the complete API router.
func SetupAPI(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandler(cfg.Deployments, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestIDHeader)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(cfg.ReadyChecks))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Get("/openapi.json", newOpenAPI().Handler())

	ownerMW := middleware.NewOwnerMiddleware(middleware.OwnerConfig{
		SharedSecret: cfg.SharedSecret,
		Logger:       cfg.Logger,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ownerMW.Handler)
		if cfg.RequestTimeout > 0 {
			r.Use(chimw.Timeout(cfg.RequestTimeout))
		}
		h.Mount(r)
	})

	return r
}

func newOpenAPI() *openapi.Generator {
	g := openapi.NewGenerator(
		openapi.WithTitle("coderunner API"),
		openapi.WithVersion("1.0.0"),
		openapi.WithDescription("Deployment orchestration API following the JSON:API specification"),
		openapi.WithServer("/"),
	)
	conflict := []int{http.StatusNotFound, http.StatusConflict}
	g.RegisterResource(openapi.ResourceInfo{
		Name:           resources.TypeDeployments,
		Model:          resources.Deployment{},
		RequestModel:   resources.DeploymentRequest{},
		SupportsList:   true,
		SupportsFind:   true,
		SupportsCreate: true,
		SupportsDelete: true,
		Actions: []openapi.Action{
			{Name: "transitions", Method: http.MethodGet, Summary: "List status transitions",
				ListOf: "transitions", ListModel: resources.Transition{}, Errors: []int{http.StatusNotFound}},
			{Name: "cancel", Method: http.MethodPost, Summary: "Cancel a deployment in flight",
				Status: http.StatusAccepted, Errors: conflict},
			{Name: "stop", Method: http.MethodPost, Summary: "Stop a deployment", Errors: conflict},
			{Name: "retry", Method: http.MethodPost, Summary: "Resubmit a failed deployment",
				Status: http.StatusCreated, Errors: append(conflict, http.StatusTooManyRequests)},
		},
	})
	return g
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDHeader copies the request ID to the response header.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func readyHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := make(map[string]string, len(names))
		ready := true
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = "failed: " + err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		status := "ready"
		if !ready {
			status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	}
}
