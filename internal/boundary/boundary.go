// Package boundary produces the wire-level envelopes: the canonical error
// response shape, status mapping for the error taxonomy, and the response
// headers every reply carries.
package boundary

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/types"
)

// Service identification constants, emitted on every response.
const (
	ServiceName    = "cee"
	APIVersion     = "v1"
	FeatureVersion = "2026.07"
)

// Build metadata, overridable at link time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

// ErrorResponse is the canonical error body.
type ErrorResponse struct {
	Schema    string         `json:"schema"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
	Retryable bool           `json:"retryable"`
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrBadInput, types.ErrValidationFailed, types.ErrGraphInvalid:
		return http.StatusBadRequest
	case types.ErrUnauthenticated, types.ErrProviderAuth:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrCEERateLimit, types.ErrRateLimited, types.ErrProviderRateLimit:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrUpstreamUnavailable, types.ErrProviderUnavailable, types.ErrProviderOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// schemaFor picks the error schema family: CEE-prefixed codes use the
// versioned cee schema, everything else the generic one.
func schemaFor(code types.ErrorCode) string {
	if strings.HasPrefix(string(code), "CEE_") {
		return "cee.error.v1"
	}
	return "error.v1"
}

// ApplyStandardHeaders writes the service-identification and security
// headers onto a response. CSP/COEP/COOP are deliberately absent on API
// responses.
func ApplyStandardHeaders(w http.ResponseWriter, requestID string) {
	h := w.Header()
	h.Set("X-Request-Id", requestID)
	h.Set("X-Olumi-Service", ServiceName)
	h.Set("X-Olumi-Service-Build", Version)
	h.Set("X-CEE-API-Version", APIVersion)
	h.Set("X-CEE-Feature-Version", FeatureVersion)
	h.Set("X-CEE-Request-Id", requestID)
	h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
}

// ApplyRateLimitHeaders writes the X-RateLimit-* trio.
func ApplyRateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// WriteJSON writes any payload with the standard headers.
func WriteJSON(w http.ResponseWriter, status int, requestID string, body any) {
	ApplyStandardHeaders(w, requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps err onto the canonical error response. Rate-limit and
// unavailable statuses additionally carry Retry-After.
func WriteError(w http.ResponseWriter, requestID string, err error, logger *zap.Logger) {
	te, ok := err.(*types.Error)
	if !ok {
		te = types.NewError(types.ErrInternal, "internal error").WithCause(err)
	}
	status := te.HTTPStatus
	if status == 0 {
		status = StatusFor(te.Code)
	}

	if logger != nil {
		logger.Error("request failed",
			zap.String("request_id", requestID),
			zap.String("code", string(te.Code)),
			zap.Int("status", status),
			zap.Bool("retryable", te.Retryable),
			zap.Error(te.Cause),
		)
	}

	ApplyStandardHeaders(w, requestID)
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		retryAfter := 1
		if v, ok := te.Details["retry_after_seconds"]; ok {
			switch n := v.(type) {
			case int:
				retryAfter = n
			case float64:
				retryAfter = int(n)
			}
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	body := ErrorResponse{
		Schema:    schemaFor(te.Code),
		Code:      string(te.Code),
		Message:   te.Message,
		Details:   te.Details,
		RequestID: requestID,
		Retryable: te.Retryable,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErrorMessage is a shorthand for a one-off coded error.
func WriteErrorMessage(w http.ResponseWriter, requestID string, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, requestID, types.NewError(code, message), logger)
}

// BuildInfo renders the version line used by the status route and the CLI.
func BuildInfo() string {
	return fmt.Sprintf("%s %s (%s)", ServiceName, Version, Commit)
}
