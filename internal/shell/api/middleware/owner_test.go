package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// testHandler echoes the owner found in the request context.
func testHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"owner": OwnerFromContext(r.Context()),
		})
	})
}

func serve(t *testing.T, h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func ownerOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["owner"]
}

// =============================================================================
// OwnerMiddleware Tests
// =============================================================================

func TestOwnerMiddleware_ExtractsOwner(t *testing.T) {
	h := NewOwnerMiddleware(OwnerConfig{}).Handler(testHandler())

	rec := serve(t, h, map[string]string{HeaderOwnerID: "  alice "})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", ownerOf(t, rec))
}

func TestOwnerMiddleware_NoHeader(t *testing.T) {
	h := NewOwnerMiddleware(OwnerConfig{}).Handler(testHandler())

	rec := serve(t, h, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ownerOf(t, rec))
}

func TestOwnerMiddleware_OwnerTooLong(t *testing.T) {
	h := NewOwnerMiddleware(OwnerConfig{}).Handler(testHandler())

	rec := serve(t, h, map[string]string{HeaderOwnerID: strings.Repeat("a", 129)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOwnerMiddleware_SharedSecret(t *testing.T) {
	h := NewOwnerMiddleware(OwnerConfig{SharedSecret: "s3cret"}).Handler(testHandler())

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"valid", "s3cret", http.StatusOK},
		{"invalid", "wrong", http.StatusForbidden},
		{"missing", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{HeaderOwnerID: "alice"}
			if tt.secret != "" {
				headers[HeaderGatewaySecret] = tt.secret
			}
			rec := serve(t, h, headers)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

// =============================================================================
// RequireOwner Tests
// =============================================================================

func TestRequireOwner(t *testing.T) {
	h := NewOwnerMiddleware(OwnerConfig{}).Handler(RequireOwner(nil)(testHandler()))

	rec := serve(t, h, map[string]string{HeaderOwnerID: "bob"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", ownerOf(t, rec))

	rec = serve(t, h, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/vnd.api+json", rec.Header().Get("Content-Type"))

	var resp JSONAPIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "401", resp.Errors[0].Status)
}
