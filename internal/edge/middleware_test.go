package edge

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/ctxkeys"
	"github.com/olumi/cee/internal/hmacauth"
	"github.com/olumi/cee/internal/quota"
)

const (
	testKey    = "api-key-1"
	testSecret = "hmac-secret"
)

func newAuth(t *testing.T, keys []string, secret string, capacity float64) *Authenticator {
	t.Helper()
	store := quota.NewStore(
		quota.Params{Capacity: capacity, RefillPerSec: 0.001},
		quota.Params{Capacity: 2, RefillPerSec: 0.001},
		nil, zap.NewNop(), nil,
	)
	var verifier *hmacauth.Verifier
	if secret != "" {
		verifier = hmacauth.NewVerifier([]byte(secret), 0, nil, zap.NewNop())
	}
	return NewAuthenticator(Config{
		APIKeys:    keys,
		HMACSecret: []byte(secret),
		Verifier:   verifier,
		Quota:      store,
		QuotaLimit: int(capacity),
		Logger:     zap.NewNop(),
	})
}

func serve(a *Authenticator, r *http.Request) (*httptest.ResponseRecorder, bool) {
	handlerRan := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		w.WriteHeader(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-test"))
	a.Middleware(inner).ServeHTTP(w, r)
	return w, handlerRan
}

func postRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/assist/draft-graph", bytes.NewBufferString(body))
}

func TestMiddleware_PublicRouteBypasses(t *testing.T) {
	a := newAuth(t, nil, "", 10)
	for _, path := range []string{"/healthz", "/health", "/", "/v1/status"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w, ran := serve(a, r)
		assert.True(t, ran, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestMiddleware_ShareTokenRoutesBypass(t *testing.T) {
	a := newAuth(t, nil, "", 10)
	r := httptest.NewRequest(http.MethodGet, "/assist/share/some-token", nil)
	_, ran := serve(a, r)
	assert.True(t, ran)

	r = httptest.NewRequest(http.MethodPost, "/assist/share/some-token", nil)
	_, ran = serve(a, r)
	assert.False(t, ran, "POST to share subtree still needs auth")
}

func TestMiddleware_MissingKey401(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 10)
	w, ran := serve(a, postRequest(`{}`))
	assert.False(t, ran)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddleware_UnknownKey403(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 10)
	r := postRequest(`{}`)
	r.Header.Set("X-Olumi-Assist-Key", "wrong-key")
	w, ran := serve(a, r)
	assert.False(t, ran)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddleware_BearerTokenAccepted(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 10)
	r := postRequest(`{}`)
	r.Header.Set("Authorization", "Bearer "+testKey)
	w, ran := serve(a, r)
	assert.True(t, ran)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RateLimit429(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 2)

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		r := postRequest(`{}`)
		r.Header.Set("X-Olumi-Assist-Key", testKey)
		w, _ = serve(a, r)
	}

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "CEE_RATE_LIMIT", body.Code)
	assert.Greater(t, body.Details["retry_after_seconds"].(float64), float64(0))
}

func signRequest(r *http.Request, secret string, body []byte, timestamp, nonce string) {
	bodyHash := sha256.Sum256(body)
	canonical := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		r.Method, r.URL.Path, timestamp, nonce, hex.EncodeToString(bodyHash[:]))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	r.Header.Set("X-Olumi-Signature", hex.EncodeToString(mac.Sum(nil)))
	r.Header.Set("X-Olumi-Timestamp", timestamp)
	r.Header.Set("X-Olumi-Nonce", nonce)
}

func TestMiddleware_HMACAccepted(t *testing.T) {
	a := newAuth(t, nil, testSecret, 10)
	body := []byte(`{"brief":"b"}`)
	r := postRequest(string(body))
	signRequest(r, testSecret, body, fmt.Sprintf("%d", time.Now().UnixMilli()), "nonce-ok")

	var caller bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := ctxkeys.Caller(r.Context())
		caller = c != nil && c.HMACAuth
		// The body must still be readable by the handler after capture.
		data, _ := io.ReadAll(r.Body)
		assert.Equal(t, body, data)
		w.WriteHeader(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-test"))
	a.Middleware(inner).ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, caller)
}

func TestMiddleware_HMACReplayBlocked(t *testing.T) {
	a := newAuth(t, nil, testSecret, 10)
	body := []byte(`{"brief":"b"}`)
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())

	first := postRequest(string(body))
	signRequest(first, testSecret, body, ts, "nonce-dup")
	w, _ := serve(a, first)
	require.Equal(t, http.StatusOK, w.Code)

	second := postRequest(string(body))
	signRequest(second, testSecret, body, ts, "nonce-dup")
	w, ran := serve(a, second)

	assert.False(t, ran)
	require.Equal(t, http.StatusForbidden, w.Code)

	var errBody struct {
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "REPLAY_BLOCKED", errBody.Details["hmac_error"])
}

func TestMiddleware_HMACFailureFallsBackToAPIKey(t *testing.T) {
	a := newAuth(t, []string{testKey}, testSecret, 10)
	body := []byte(`{"brief":"b"}`)

	r := postRequest(string(body))
	r.Header.Set("X-Olumi-Signature", "not-a-valid-signature")
	r.Header.Set("X-Olumi-Assist-Key", testKey)
	w, ran := serve(a, r)

	assert.True(t, ran)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_HMACFailureWithoutKeysIs403(t *testing.T) {
	a := newAuth(t, nil, testSecret, 10)
	r := postRequest(`{}`)
	r.Header.Set("X-Olumi-Signature", "bad")
	w, ran := serve(a, r)

	assert.False(t, ran)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "hmac_error")
}

func TestMiddleware_CallerContextAttached(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 10)

	var caller string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := ctxkeys.Caller(r.Context())
		require.NotNil(t, c)
		caller = c.KeyID
		assert.Equal(t, "corr-9", c.CorrelationID)
		assert.False(t, c.HMACAuth)
	})
	r := postRequest(`{}`)
	r.Header.Set("X-Olumi-Assist-Key", testKey)
	r.Header.Set("X-Correlation-Id", "corr-9")
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-test"))
	a.Middleware(inner).ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, quota.DeriveKeyID([]byte(testKey)), caller)
	assert.NotEqual(t, testKey, caller)
}

func TestSwapKeys_Atomic(t *testing.T) {
	a := newAuth(t, []string{"old-key"}, "", 10)
	assert.Equal(t, 1, a.KeyCount())

	a.SwapKeys([]string{"new-key-1", "new-key-2"})
	assert.Equal(t, 2, a.KeyCount())

	r := postRequest(`{}`)
	r.Header.Set("X-Olumi-Assist-Key", "old-key")
	w, _ := serve(a, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMiddleware_PayloadHashMismatch(t *testing.T) {
	a := newAuth(t, []string{testKey}, "", 10)
	body := `{"brief":"b"}`

	r := postRequest(body)
	r.Header.Set("X-Olumi-Assist-Key", testKey)
	sum := sha256.Sum256([]byte(body))
	r.Header.Set("X-Olumi-Payload-Hash", hex.EncodeToString(sum[:]))
	w, ran := serve(a, r)
	assert.True(t, ran)
	assert.Equal(t, http.StatusOK, w.Code)

	r = postRequest(body)
	r.Header.Set("X-Olumi-Assist-Key", testKey)
	r.Header.Set("X-Olumi-Payload-Hash", "deadbeef")
	w, ran = serve(a, r)
	assert.False(t, ran)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLegacyStreamBypass(t *testing.T) {
	assert.True(t, LegacyStreamBypass(false, "/assist/draft-graph", "text/event-stream"))
	assert.False(t, LegacyStreamBypass(true, "/assist/draft-graph", "text/event-stream"))
	assert.False(t, LegacyStreamBypass(false, "/assist/draft-graph", "application/json"))
	assert.False(t, LegacyStreamBypass(false, "/assist/draft-graph/stream", "text/event-stream"))
}
