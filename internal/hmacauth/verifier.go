// Package hmacauth implements the HMAC request-signing verifier:
// canonical-string signing, constant-time comparison, a timestamp skew
// window, and a replay-blocking nonce store chained cache-first with an
// in-process fallback, the same shape as the quota store.
package hmacauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/cache"
	"github.com/olumi/cee/llm/circuitbreaker"
)

// FailureKind enumerates the internal failure categories. Never leaked to
// clients as-is; only the category name surfaces in the hmac_error detail.
type FailureKind string

const (
	FailNoSecret         FailureKind = "NO_SECRET"
	FailMissingSignature FailureKind = "MISSING_SIGNATURE"
	FailInvalidSignature FailureKind = "INVALID_SIGNATURE"
	FailSignatureSkew    FailureKind = "SIGNATURE_SKEW"
	FailReplayBlocked    FailureKind = "REPLAY_BLOCKED"
)

// VerifyError wraps a FailureKind as an error.
type VerifyError struct {
	Kind FailureKind
}

func (e *VerifyError) Error() string { return string(e.Kind) }

// Request carries the verifier inputs: method, path, raw body bytes and
// the signature headers. The edge must capture RawBody before any JSON
// parsing.
type Request struct {
	Method    string
	Path      string
	RawBody   []byte
	Signature string
	Timestamp string // empty => legacy format
	Nonce     string // empty => legacy format
}

// Result carries the verification outcome, including whether the legacy
// canonical format matched.
type Result struct {
	Legacy bool
}

const defaultSkew = 5 * time.Minute

// Verifier verifies HMAC-signed requests against a single shared secret.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	nonces  *nonceStore
}

// NewVerifier constructs a Verifier. maxSkew defaults to 5 minutes
// (HMAC_MAX_SKEW_MS) when zero.
func NewVerifier(secret []byte, maxSkew time.Duration, cacheMgr *cache.Manager, logger *zap.Logger) *Verifier {
	if maxSkew <= 0 {
		maxSkew = defaultSkew
	}
	return &Verifier{
		secret:  secret,
		maxSkew: maxSkew,
		nonces:  newNonceStore(cacheMgr, logger),
	}
}

// Verify checks the request's HMAC signature and nonce freshness.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	if len(v.secret) == 0 {
		return Result{}, &VerifyError{Kind: FailNoSecret}
	}
	if req.Signature == "" {
		return Result{}, &VerifyError{Kind: FailMissingSignature}
	}

	legacy := req.Timestamp == "" && req.Nonce == ""

	if !legacy {
		ts, err := parseTimestamp(req.Timestamp)
		if err != nil {
			return Result{}, &VerifyError{Kind: FailSignatureSkew}
		}
		skew := time.Since(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return Result{}, &VerifyError{Kind: FailSignatureSkew}
		}
	}

	canonical := v.canonicalString(req, legacy)
	expected := v.sign(canonical)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(req.Signature)) != 1 {
		return Result{}, &VerifyError{Kind: FailInvalidSignature}
	}

	if !legacy {
		replayed, err := v.nonces.checkAndStore(ctx, req.Nonce, 2*v.maxSkew)
		if err != nil {
			// Nonce store failures are not verification failures; a
			// down shared+fallback nonce store should not make every
			// signed request invalid. Treat as "not replayed".
			replayed = false
		}
		if replayed {
			return Result{}, &VerifyError{Kind: FailReplayBlocked}
		}
	}

	return Result{Legacy: legacy}, nil
}

// canonicalString builds "METHOD\nPATH\nTIMESTAMP\nNONCE\nsha256(body)"
// (new format) or "METHOD\nPATH\nsha256(body)" (legacy format).

func (v *Verifier) canonicalString(req Request, legacy bool) string {
	bodyHash := sha256.Sum256(req.RawBody)
	bodyHex := hex.EncodeToString(bodyHash[:])
	if legacy {
		return fmt.Sprintf("%s\n%s\n%s", req.Method, req.Path, bodyHex)
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s", req.Method, req.Path, req.Timestamp, req.Nonce, bodyHex)
}

func (v *Verifier) sign(canonical string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseTimestamp(raw string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscan(raw, &ms); err != nil {
		return time.Time{}, err
	}
	if ms <= 0 {
		return time.Time{}, fmt.Errorf("non-positive timestamp")
	}
	return time.UnixMilli(ms), nil
}

// nonceStore implements replay protection with a shared cache preferred
// and an in-process TTL map fallback (expired entries are swept once it
// holds more than 10000 nonces; there is no LRU eviction), chained by a
// circuit breaker —
// the same shape as the quota store (internal/quota).
type nonceStore struct {
	cache   *cache.Manager
	breaker circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	mu    sync.Mutex
	local map[string]time.Time
}

func newNonceStore(cacheMgr *cache.Manager, logger *zap.Logger) *nonceStore {
	return &nonceStore{
		cache: cacheMgr,
		breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Threshold:        3,
			Timeout:          500 * time.Millisecond,
			ResetTimeout:     10 * time.Second,
			HalfOpenMaxCalls: 1,
		}, logger),
		logger: logger,
		local:  make(map[string]time.Time),
	}
}

// checkAndStoreScript atomically checks-then-sets a nonce key: returns 1
// (replayed) if the key already existed, else sets it with the given TTL
// and returns 0.
const checkAndStoreScript = `
local key = KEYS[1]
local ttl_sec = tonumber(ARGV[1])
if redis.call("EXISTS", key) == 1 then
 return 1
end
redis.call("SET", key, "1", "EX", ttl_sec)
return 0
`

// checkAndStore returns true if nonce was already seen (replay).
func (n *nonceStore) checkAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if n.cache != nil {
		callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		var replayed bool
		err := n.breaker.Call(callCtx, func() error {
			raw, evalErr := n.cache.Eval(callCtx, checkAndStoreScript,
				[]string{"hmac:nonce:" + nonce}, int(ttl.Seconds()))
			if evalErr != nil {
				return evalErr
			}
			v, _ := raw.(int64)
			replayed = v == 1
			return nil
		})
		if err == nil {
			return replayed, nil
		}
		if n.logger != nil {
			n.logger.Debug("hmac: shared nonce store unavailable, falling back", zap.Error(err))
		}
	}

	return n.checkAndStoreLocal(nonce, ttl), nil
}

func (n *nonceStore) checkAndStoreLocal(nonce string, ttl time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if expiry, ok := n.local[nonce]; ok && expiry.After(now) {
		return true
	}
	n.local[nonce] = now.Add(ttl)

	// Opportunistic sweep to bound map growth.
	if len(n.local) > 10000 {
		for k, exp := range n.local {
			if exp.Before(now) {
				delete(n.local, k)
			}
		}
	}
	return false
}
