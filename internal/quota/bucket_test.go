package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/cache"
)

func newFallbackStore(capacity, refill float64) *Store {
	return NewStore(
		Params{Capacity: capacity, RefillPerSec: refill},
		Params{Capacity: 2, RefillPerSec: refill},
		nil, zap.NewNop(), nil,
	)
}

func newSharedStore(t *testing.T, capacity, refill float64) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	mgr, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	return NewStore(
		Params{Capacity: capacity, RefillPerSec: refill},
		Params{Capacity: 2, RefillPerSec: refill},
		mgr, zap.NewNop(), nil,
	), mr
}

func TestDeriveKeyID(t *testing.T) {
	a := DeriveKeyID([]byte("secret-key-1"))
	b := DeriveKeyID([]byte("secret-key-1"))
	c := DeriveKeyID([]byte("secret-key-2"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.NotContains(t, a, "secret")
}

func TestTryConsume_FallbackExhaustsCapacity(t *testing.T) {
	s := newFallbackStore(3, 0.001)
	cred := []byte("key")

	for i := 0; i < 3; i++ {
		res := s.TryConsume(context.Background(), cred, false)
		assert.True(t, res.Allowed, "admission %d", i)
		assert.Equal(t, "fallback", res.Backend)
	}

	res := s.TryConsume(context.Background(), cred, false)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfterSeconds, 1)
}

func TestTryConsume_StreamBucketStricter(t *testing.T) {
	s := newFallbackStore(10, 0.001)
	cred := []byte("key")

	allowed := 0
	for i := 0; i < 5; i++ {
		if s.TryConsume(context.Background(), cred, true).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestTryConsume_KeysAreIndependent(t *testing.T) {
	s := newFallbackStore(1, 0.001)

	assert.True(t, s.TryConsume(context.Background(), []byte("a"), false).Allowed)
	assert.True(t, s.TryConsume(context.Background(), []byte("b"), false).Allowed)
	assert.False(t, s.TryConsume(context.Background(), []byte("a"), false).Allowed)
}

func TestTryConsume_SharedBackend(t *testing.T) {
	s, _ := newSharedStore(t, 2, 0.001)
	cred := []byte("key")

	res := s.TryConsume(context.Background(), cred, false)
	assert.True(t, res.Allowed)
	assert.Equal(t, "shared", res.Backend)

	assert.True(t, s.TryConsume(context.Background(), cred, false).Allowed)
	final := s.TryConsume(context.Background(), cred, false)
	assert.False(t, final.Allowed)
	assert.GreaterOrEqual(t, final.RetryAfterSeconds, 1)
}

func TestTryConsume_SharedBackendDownFallsBack(t *testing.T) {
	fallbacks := 0
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	mgr, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)

	s := NewStore(
		Params{Capacity: 5, RefillPerSec: 1},
		Params{Capacity: 2, RefillPerSec: 1},
		mgr, zap.NewNop(),
		func(keyID string) { fallbacks++ },
	)

	mr.Close()

	res := s.TryConsume(context.Background(), []byte("key"), false)
	assert.True(t, res.Allowed)
	assert.Equal(t, "fallback", res.Backend)
	assert.Equal(t, 1, fallbacks)
}

// A single key cannot exceed capacity + floor(t*refill) admissions over
// any window, even under concurrency.
func TestTryConsume_FairnessUnderConcurrency(t *testing.T) {
	const capacity = 10
	s := newFallbackStore(capacity, 0.001)
	cred := []byte("key")

	var mu sync.Mutex
	admitted := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryConsume(context.Background(), cred, false).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, admitted, capacity)
}

func TestTryConsume_Refills(t *testing.T) {
	s := newFallbackStore(1, 100)
	cred := []byte("key")

	assert.True(t, s.TryConsume(context.Background(), cred, false).Allowed)
	assert.False(t, s.TryConsume(context.Background(), cred, false).Allowed)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.TryConsume(context.Background(), cred, false).Allowed)
}

func TestEvictIdle(t *testing.T) {
	s := newFallbackStore(5, 1)
	s.TryConsume(context.Background(), []byte("key"), false)
	require.Len(t, s.fallback, 1)

	s.EvictIdle(0)
	assert.Empty(t, s.fallback)
}
