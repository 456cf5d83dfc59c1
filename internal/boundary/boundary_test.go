package boundary

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/types"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrBadInput, http.StatusBadRequest},
		{types.ErrValidationFailed, http.StatusBadRequest},
		{types.ErrGraphInvalid, http.StatusBadRequest},
		{types.ErrUnauthenticated, http.StatusUnauthorized},
		{types.ErrForbidden, http.StatusForbidden},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrCEERateLimit, http.StatusTooManyRequests},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{types.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.code), string(tt.code))
	}
}

func TestWriteError_CanonicalShape(t *testing.T) {
	w := httptest.NewRecorder()
	err := types.NewError(types.ErrGraphInvalid, "drafted graph is empty").
		WithDetail("reason", "empty_graph").
		WithDetail("node_count", 0).
		WithDetail("edge_count", 0)

	WriteError(w, "req-1", err, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "cee.error.v1", body.Schema)
	assert.Equal(t, "CEE_GRAPH_INVALID", body.Code)
	assert.Equal(t, "req-1", body.RequestID)
	assert.False(t, body.Retryable)
	assert.Equal(t, "empty_graph", body.Details["reason"])
	assert.Equal(t, float64(0), body.Details["node_count"])
}

func TestWriteError_GenericSchema(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req-2", types.NewError(types.ErrUnauthenticated, "missing API key"), nil)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "error.v1", body.Schema)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWriteError_RateLimitCarriesRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	err := types.NewError(types.ErrCEERateLimit, "rate limit exceeded").
		WithRetryable(true).
		WithDetail("retry_after_seconds", 7)

	WriteError(w, "req-3", err, zap.NewNop())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7", w.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Retryable)
	assert.Equal(t, float64(7), body.Details["retry_after_seconds"])
}

func TestWriteError_NonTypedError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req-4", assert.AnError, zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL", body.Code)
}

func TestApplyStandardHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	ApplyStandardHeaders(w, "req-5")

	h := w.Header()
	assert.Equal(t, "req-5", h.Get("X-Request-Id"))
	assert.Equal(t, "cee", h.Get("X-Olumi-Service"))
	assert.Equal(t, "req-5", h.Get("X-CEE-Request-Id"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", h.Get("X-Frame-Options"))
	assert.Equal(t, "cross-origin", h.Get("Cross-Origin-Resource-Policy"))
	assert.NotEmpty(t, h.Get("Strict-Transport-Security"))

	// CSP, COEP and COOP stay off API responses.
	assert.Empty(t, h.Get("Content-Security-Policy"))
	assert.Empty(t, h.Get("Cross-Origin-Embedder-Policy"))
	assert.Empty(t, h.Get("Cross-Origin-Opener-Policy"))
}

func TestApplyRateLimitHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	reset := time.Unix(1700000000, 0)
	ApplyRateLimitHeaders(w, 60, 12, reset)

	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "12", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", w.Header().Get("X-RateLimit-Reset"))
}
