// Package quota implements the per-key token-bucket rate limiter: a
// shared-cache-preferred, in-process-fallback pair chained by a circuit
// breaker.
//
// Refill is continuous: tokens = min(capacity, tokens + elapsed*refillPerSec).
package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/cache"
	"github.com/olumi/cee/llm/circuitbreaker"
)

var errBadScriptResult = errors.New("quota: unexpected script result shape")

// Params configures one bucket kind (ordinary vs. stream requests carry
// distinct, stricter capacities).
type Params struct {
	Capacity     float64
	RefillPerSec float64
}

// Result is the outcome of a tryConsume call.
type Result struct {
	Allowed           bool
	KeyID             string
	RetryAfterSeconds int
	Remaining         int
	Backend           string // "shared" or "fallback", for telemetry only
}

// Store is the component-A interface: tryConsume(credential, isStream).
type Store struct {
	ordinary Params
	stream   Params

	cache   *cache.Manager
	breaker circuitbreaker.CircuitBreaker

	mu       sync.Mutex
	fallback map[string]*localBucket

	logger *zap.Logger

	onFallback func(keyID string)
}

type localBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	lastUsed   time.Time
}

// NewStore constructs a quota store. cacheMgr may be nil, in which case the
// store always uses the in-process fallback (useful for tests and for
// REDIS_HMAC_NONCE_ENABLED-style "no shared backend configured" modes).
func NewStore(ordinary, stream Params, cacheMgr *cache.Manager, logger *zap.Logger, onFallback func(keyID string)) *Store {
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Threshold:        3,
		Timeout:          500 * time.Millisecond,
		ResetTimeout:     10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, logger)
	return &Store{
		ordinary:   ordinary,
		stream:     stream,
		cache:      cacheMgr,
		breaker:    breaker,
		fallback:   make(map[string]*localBucket),
		logger:     logger,
		onFallback: onFallback,
	}
}

// DeriveKeyID returns a short stable hash-prefix of the credential; the
// credential itself never leaves this function.
func DeriveKeyID(credential []byte) string {
	sum := sha256.Sum256(credential)
	return hex.EncodeToString(sum[:])[:16]
}

// TryConsume implements the quota store's core operation.
func (s *Store) TryConsume(ctx context.Context, credential []byte, isStream bool) Result {
	keyID := DeriveKeyID(credential)
	params := s.ordinary
	if isStream {
		params = s.stream
	}

	if s.cache != nil {
		if res, ok := s.tryConsumeShared(ctx, keyID, params); ok {
			res.Backend = "shared"
			return res
		}
	}

	if s.onFallback != nil {
		s.onFallback(keyID)
	}
	res := s.tryConsumeLocal(keyID, params)
	res.Backend = "fallback"
	return res
}

// sharedTokenBucketScript performs an atomic refill-then-consume against a
// Redis hash {tokens, last_refill_ms}, so two concurrent requests against
// the same bucket never both succeed on the last token.
const sharedTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tokens = capacity
local last = now_ms

local existing = redis.call("HMGET", key, "tokens", "last_refill_ms")
if existing[1] then
 tokens = tonumber(existing[1])
 last = tonumber(existing[2])
end

local elapsed_sec = math.max(0, now_ms - last) / 1000.0
tokens = math.min(capacity, tokens + elapsed_sec * refill_per_sec)

local allowed = 0
if tokens >= 1 then
 tokens = tokens - 1
 allowed = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last_refill_ms", tostring(now_ms))
redis.call("EXPIRE", key, 3600)

return {allowed, tostring(tokens)}
`

func (s *Store) tryConsumeShared(ctx context.Context, keyID string, params Params) (Result, bool) {
	callCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	var tokensLeft float64
	var allowed bool

	err := s.breaker.Call(callCtx, func() error {
		nowMs := time.Now().UnixMilli()
		raw, evalErr := s.cache.Eval(callCtx, sharedTokenBucketScript,
			[]string{"quota:bucket:" + keyID},
			params.Capacity, params.RefillPerSec, nowMs)
		if evalErr != nil {
			return evalErr
		}
		arr, ok := raw.([]interface{})
		if !ok || len(arr) != 2 {
			return errBadScriptResult
		}
		allowedVal, _ := arr[0].(int64)
		allowed = allowedVal == 1
		tokensLeft = parseFloat(arr[1])
		return nil
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("quota: shared backend unavailable, falling back", zap.Error(err))
		}
		return Result{}, false
	}

	return Result{
		Allowed:           allowed,
		KeyID:             keyID,
		RetryAfterSeconds: retryAfter(tokensLeft, params.RefillPerSec),
		Remaining:         int(tokensLeft),
	}, true
}

func (s *Store) tryConsumeLocal(keyID string, params Params) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.fallback[keyID]
	now := time.Now()
	if !ok {
		b = &localBucket{
			tokens:     params.Capacity,
			capacity:   params.Capacity,
			refillRate: params.RefillPerSec,
			lastRefill: now,
		}
		s.fallback[keyID] = b
	}
	b.lastUsed = now

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now

	allowed := false
	if b.tokens >= 1 {
		b.tokens--
		allowed = true
	}

	return Result{
		Allowed:           allowed,
		KeyID:             keyID,
		RetryAfterSeconds: retryAfter(b.tokens, b.refillRate),
		Remaining:         int(b.tokens),
	}
}

// EvictIdle removes in-process buckets unused for longer than ttl,
// bounding fallback-map growth.
func (s *Store) EvictIdle(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for k, b := range s.fallback {
		if b.lastUsed.Before(cutoff) {
			delete(s.fallback, k)
		}
	}
}

func retryAfter(tokens, refillRate float64) int {
	if tokens >= 1 || refillRate <= 0 {
		return 0
	}
	secs := math.Ceil((1 - tokens) / refillRate)
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		var f float64
		_, _ = fmt.Sscan(t, &f)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
