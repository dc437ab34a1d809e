// Package middleware provides HTTP middleware for the deployment API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Headers injected by the gateway in front of the API.
const (
	HeaderOwnerID       = "X-Owner-ID"
	HeaderGatewaySecret = "X-Gateway-Secret"
)

// maxOwnerIDLength matches the limit enforced on submitted deployments.
const maxOwnerIDLength = 128

type ownerKey struct{}

// WithOwner returns a context carrying the calling owner.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the calling owner, or "" for anonymous requests.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// =============================================================================
// Owner Middleware
// =============================================================================

// OwnerConfig holds configuration for the owner middleware.
type OwnerConfig struct {
	// SharedSecret, when set, must match the X-Gateway-Secret header.
	SharedSecret string

	Logger *slog.Logger
}

// OwnerMiddleware reads the owner identity injected by the gateway and stores
// it in the request context.
type OwnerMiddleware struct {
	config OwnerConfig
}

// NewOwnerMiddleware creates a new owner middleware.
func NewOwnerMiddleware(cfg OwnerConfig) *OwnerMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OwnerMiddleware{config: cfg}
}

// Handler returns the middleware handler function.
func (m *OwnerMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.config.SharedSecret != "" && r.Header.Get(HeaderGatewaySecret) != m.config.SharedSecret {
			m.config.Logger.Warn("invalid gateway secret",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			WriteJSONError(w, http.StatusForbidden, "Forbidden", "Invalid gateway secret")
			return
		}

		owner := strings.TrimSpace(r.Header.Get(HeaderOwnerID))
		if len(owner) > maxOwnerIDLength {
			WriteJSONError(w, http.StatusBadRequest, "Bad Request",
				HeaderOwnerID+" must be at most "+strconv.Itoa(maxOwnerIDLength)+" characters")
			return
		}
		if owner != "" {
			r = r.WithContext(WithOwner(r.Context(), owner))
		}

		next.ServeHTTP(w, r)
	})
}

// RequireOwner rejects requests that carry no owner identity.
// Must be used AFTER OwnerMiddleware.
func RequireOwner(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if OwnerFromContext(r.Context()) == "" {
				logger.Warn("request without owner",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteJSONError(w, http.StatusUnauthorized, "Unauthorized", HeaderOwnerID+" header is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// JSON Error Response
// =============================================================================

// JSONAPIError represents a JSON:API error object.
type JSONAPIError struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// JSONAPIErrorResponse represents a JSON:API error response.
type JSONAPIErrorResponse struct {
	Errors []JSONAPIError `json:"errors"`
}

// WriteJSONError writes a JSON:API formatted error response.
func WriteJSONError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(JSONAPIErrorResponse{
		Errors: []JSONAPIError{
			{
				Status: strconv.Itoa(status),
				Title:  title,
				Detail: detail,
			},
		},
	})
}
