package edge

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/ctxkeys"
	"github.com/olumi/cee/internal/hmacauth"
	"github.com/olumi/cee/internal/quota"
	"github.com/olumi/cee/types"
)

// maxCapturedBody bounds the raw-body capture used for HMAC verification.
const maxCapturedBody = 1 << 20

// KeySet is the immutable API-key lookup swapped atomically on reload.
type KeySet struct {
	keys map[string]struct{}
}

// NewKeySet builds a KeySet from the configured key list, dropping blanks.
func NewKeySet(keys []string) *KeySet {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			m[k] = struct{}{}
		}
	}
	return &KeySet{keys: m}
}

// Contains reports membership.
func (k *KeySet) Contains(key string) bool {
	_, ok := k.keys[key]
	return ok
}

// Len returns the number of configured keys.
func (k *KeySet) Len() int { return len(k.keys) }

// TelemetryFunc receives edge telemetry events; payloads are metadata only.
type TelemetryFunc func(event string, fields map[string]any)

// Authenticator is the request edge: public-route bypass, two-phase
// credential extraction (API key vs HMAC) and per-key quota enforcement.
type Authenticator struct {
	keys            atomic.Pointer[KeySet]
	hmac            *hmacauth.Verifier
	hmacSecret      []byte
	quota           *quota.Store
	quotaLimit      int
	enableLegacySSE bool
	telemetry       TelemetryFunc
	logger          *zap.Logger
}

// Config assembles an Authenticator.
type Config struct {
	APIKeys         []string
	HMACSecret      []byte
	Verifier        *hmacauth.Verifier
	Quota           *quota.Store
	QuotaLimit      int
	EnableLegacySSE bool
	Telemetry       TelemetryFunc
	Logger          *zap.Logger
}

// NewAuthenticator builds the edge from its parts.
func NewAuthenticator(cfg Config) *Authenticator {
	a := &Authenticator{
		hmac:            cfg.Verifier,
		hmacSecret:      cfg.HMACSecret,
		quota:           cfg.Quota,
		quotaLimit:      cfg.QuotaLimit,
		enableLegacySSE: cfg.EnableLegacySSE,
		telemetry:       cfg.Telemetry,
		logger:          cfg.Logger,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.keys.Store(NewKeySet(cfg.APIKeys))
	return a
}

// SwapKeys atomically replaces the API-key set; in-flight requests keep
// the set they already read.
func (a *Authenticator) SwapKeys(keys []string) {
	a.keys.Store(NewKeySet(keys))
}

// KeyCount returns the size of the active key set.
func (a *Authenticator) KeyCount() int {
	return a.keys.Load().Len()
}

// Middleware applies the edge to every non-public route.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PublicRoute(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if LegacyStreamBypass(a.enableLegacySSE, r.URL.Path, r.Header.Get("Accept")) {
			next.ServeHTTP(w, r)
			return
		}

		requestID := ctxkeys.RequestID(r.Context())

		// Early phase: capture the raw body before any JSON parsing so
		// the HMAC verifier sees exactly the bytes the client signed.
		var rawBody []byte
		if r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
			if err != nil {
				boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "failed to read request body", a.logger)
				return
			}
			if len(body) > maxCapturedBody {
				boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "request body too large", a.logger)
				return
			}
			rawBody = body
			r.Body = io.NopCloser(bytes.NewReader(rawBody))
		}

		// A client-supplied payload hash must match the captured bytes.
		if claimed := r.Header.Get("X-Olumi-Payload-Hash"); claimed != "" {
			sum := sha256.Sum256(rawBody)
			if !strings.EqualFold(claimed, hex.EncodeToString(sum[:])) {
				boundary.WriteError(w, requestID,
					types.NewError(types.ErrBadInput, "payload hash mismatch").
						WithDetail("header", "X-Olumi-Payload-Hash"),
					a.logger)
				return
			}
		}

		useHMAC := a.hmac != nil && len(a.hmacSecret) > 0 && r.Header.Get("X-Olumi-Signature") != ""

		hmacErrKind := ""
		if useHMAC {
			// Late phase: verify against the captured body, then rate
			// limit with the secret as the credential.
			_, err := a.hmac.Verify(r.Context(), hmacauth.Request{
				Method:    r.Method,
				Path:      r.URL.Path,
				RawBody:   rawBody,
				Signature: r.Header.Get("X-Olumi-Signature"),
				Timestamp: r.Header.Get("X-Olumi-Timestamp"),
				Nonce:     r.Header.Get("X-Olumi-Nonce"),
			})
			if err == nil {
				a.admit(w, r, next, a.hmacSecret, true)
				return
			}
			// HMAC failed: fall back to API keys when any are configured,
			// otherwise reject with the failure category.
			hmacErrKind = "INVALID_SIGNATURE"
			if e, ok := err.(*hmacauth.VerifyError); ok {
				hmacErrKind = string(e.Kind)
			}
			if a.keys.Load().Len() == 0 {
				a.rejectHMAC(w, requestID, hmacErrKind)
				return
			}
		}

		// API-key phase. A failed HMAC attempt surfaces as 403 with the
		// failure category when no usable API key rescues the request.
		key := extractAPIKey(r)
		if key == "" {
			if hmacErrKind != "" {
				a.rejectHMAC(w, requestID, hmacErrKind)
				return
			}
			boundary.WriteErrorMessage(w, requestID, types.ErrUnauthenticated, "missing API key", a.logger)
			a.emit("auth_failure", map[string]any{"mode": "api_key", "kind": "missing"})
			return
		}
		if !a.keys.Load().Contains(key) {
			if hmacErrKind != "" {
				a.rejectHMAC(w, requestID, hmacErrKind)
				return
			}
			boundary.WriteErrorMessage(w, requestID, types.ErrForbidden, "unknown API key", a.logger)
			a.emit("auth_failure", map[string]any{"mode": "api_key", "kind": "unknown"})
			return
		}
		a.admit(w, r, next, []byte(key), false)
	})
}

// admit runs the quota store for an authenticated credential and attaches
// the caller context on success.
func (a *Authenticator) admit(w http.ResponseWriter, r *http.Request, next http.Handler, credential []byte, hmacAuth bool) {
	requestID := ctxkeys.RequestID(r.Context())
	isStream := isStreamRequest(r)

	res := a.quota.TryConsume(r.Context(), credential, isStream)
	boundary.ApplyRateLimitHeaders(w, a.quotaLimit, res.Remaining,
		time.Now().Add(time.Duration(res.RetryAfterSeconds)*time.Second))
	if !res.Allowed {
		retry := res.RetryAfterSeconds
		if retry < 1 {
			retry = 1
		}
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrCEERateLimit, "rate limit exceeded").
				WithRetryable(true).
				WithDetail("retry_after_seconds", retry),
			a.logger)
		a.emit("rate_limited", map[string]any{"key_id": res.KeyID, "stream": isStream})
		return
	}

	caller := &types.CallerContext{
		KeyID:         res.KeyID,
		HMACAuth:      hmacAuth,
		SourceIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: r.Header.Get("X-Correlation-Id"),
	}
	ctx := ctxkeys.WithCaller(r.Context(), caller)
	if caller.CorrelationID != "" {
		ctx = ctxkeys.WithCorrelationID(ctx, caller.CorrelationID)
	}

	fields := map[string]any{
		"key_id":  res.KeyID,
		"hmac":    hmacAuth,
		"backend": res.Backend,
	}
	if build := r.Header.Get("X-Olumi-Client-Build"); build != "" {
		fields["client_build"] = build
	}
	if degraded := r.Header.Get("X-Olumi-Degraded"); degraded != "" {
		fields["client_degraded"] = degraded
	}
	a.emit("auth_success", fields)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (a *Authenticator) rejectHMAC(w http.ResponseWriter, requestID, kind string) {
	boundary.WriteError(w, requestID,
		types.NewError(types.ErrForbidden, "request signature rejected").
			WithHTTPStatus(http.StatusForbidden).
			WithDetail("hmac_error", kind),
		a.logger)
	a.emit("auth_failure", map[string]any{"mode": "hmac", "kind": kind})
}

func (a *Authenticator) emit(event string, fields map[string]any) {
	if a.telemetry != nil {
		a.telemetry(event, fields)
	}
}

// extractAPIKey reads the key from X-Olumi-Assist-Key or a bearer token.
func extractAPIKey(r *http.Request) string {
	if k := r.Header.Get("X-Olumi-Assist-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func isStreamRequest(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/stream") ||
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
