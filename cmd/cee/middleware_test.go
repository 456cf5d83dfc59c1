package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/olumi/cee/internal/ctxkeys"
)

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ctxkeys.RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := Chain(inner, RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-Id"))
}

func TestRequestID_CorrelationPassthrough(t *testing.T) {
	var corr string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr = ctxkeys.CorrelationID(r.Context())
	})

	handler := Chain(inner, RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Correlation-Id", "corr-123")
	handler.ServeHTTP(w, r)

	assert.Equal(t, "corr-123", corr)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/assist/draft-graph", normalizePath("/assist/draft-graph"))
	assert.Equal(t, "/assist/share/:id", normalizePath("/assist/share/0123456789abcdef"))
	assert.Equal(t, "/things/:id", normalizePath("/things/42"))
	assert.Equal(t, "/assist/v1/options", normalizePath("/assist/v1/options"))
}

func TestRecovery(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	handler := Chain(inner, Recovery(testLogger()))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
