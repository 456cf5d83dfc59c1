// Package idempotency replays a stored response when a client repeats a
// request with the same client_turn_id, and collapses concurrent identical
// in-flight requests so the pipeline runs once per key.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/olumi/cee/llm/idempotency"
)

// DefaultTTL bounds how long a completed response is replayable.
const DefaultTTL = 10 * time.Minute

// Store keys completed responses by client_turn_id plus the canonical
// request body, backed by the shared cache with an in-memory fallback.
type Store struct {
	manager idempotency.Manager
	group   singleflight.Group
	ttl     time.Duration
}

// New wraps an idempotency manager. ttl <= 0 selects DefaultTTL.
func New(manager idempotency.Manager, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{manager: manager, ttl: ttl}
}

// Key derives the cache key for a turn id and request body.
func (s *Store) Key(clientTurnID string, body any) (string, error) {
	return s.manager.GenerateKey("turn", clientTurnID, body)
}

// Do returns the stored response for key when one exists; otherwise it runs
// fn exactly once per in-flight key, stores the marshaled result, and
// returns it. Replayed responses report replayed=true.
func (s *Store) Do(ctx context.Context, key string, fn func() (any, error)) (json.RawMessage, bool, error) {
	if raw, ok, err := s.manager.Get(ctx, key); err == nil && ok {
		return raw, true, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		// Check again inside the flight: a racing request may have
		// completed and stored while this one waited.
		if raw, ok, err := s.manager.Get(ctx, key); err == nil && ok {
			return json.RawMessage(raw), nil
		}
		result, err := fn()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		_ = s.manager.Set(ctx, key, result, s.ttl)
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), shared, nil
}
