// Package idempotency caches completed results under a deterministic
// key so repeated identical requests replay instead of re-running.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyKey pairs a key with its cached result.
type IdempotencyKey struct {
	Key       string          // SHA-256 hash of the inputs
	Result    json.RawMessage // cached response
	ExpiresAt time.Time
}

// Manager generates, stores and looks up idempotency keys.
type Manager interface {
	// GenerateKey derives a stable key from the inputs.
	GenerateKey(inputs ...any) (string, error)

	// Get returns the cached result for key, if any.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores a result under key with the given TTL.
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete removes a cached result.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is cached.
	Exists(ctx context.Context, key string) (bool, error)
}

type redisManager struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager builds a Redis-backed Manager.
func NewRedisManager(redis *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	return &redisManager{
		redis:  redis,
		prefix: prefix,
		logger: logger,
	}
}

// GenerateKey hashes the JSON serialization of the inputs, so identical
// inputs always produce identical keys.
func (m *redisManager) GenerateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	hash := sha256.Sum256(data)
	key := hex.EncodeToString(hash[:])

	m.logger.Debug("idempotency key generated",
		zap.String("key", key),
		zap.Int("inputs_count", len(inputs)),
	)
	return key, nil
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	redisKey := m.prefix + key

	data, err := m.redis.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	m.logger.Debug("idempotency key hit",
		zap.String("key", key),
		zap.Int("data_size", len(data)),
	)
	return data, true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	redisKey := m.prefix + key

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	if err := m.redis.Set(ctx, redisKey, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	m.logger.Debug("idempotency key stored",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Int("data_size", len(data)),
	)
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	m.logger.Debug("idempotency key deleted", zap.String("key", key))
	return nil
}

func (m *redisManager) Exists(ctx context.Context, key string) (bool, error) {
	count, err := m.redis.Exists(ctx, m.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return count > 0, nil
}

// memoryManager is the in-process fallback implementation.
type memoryManager struct {
	cache           map[string]*cacheEntry
	mu              sync.RWMutex
	logger          *zap.Logger
	stopCh          chan struct{}
	cleanupInterval time.Duration
}

type cacheEntry struct {
	Data      json.RawMessage
	ExpiresAt time.Time
}

// NewMemoryManager builds an in-memory Manager with background cleanup.
func NewMemoryManager(logger *zap.Logger) Manager {
	return NewMemoryManagerWithCleanup(logger, 5*time.Minute)
}

// NewMemoryManagerWithCleanup builds an in-memory Manager with a custom
// cleanup interval.
func NewMemoryManagerWithCleanup(logger *zap.Logger, cleanupInterval time.Duration) Manager {
	m := &memoryManager{
		cache:           make(map[string]*cacheEntry),
		logger:          logger,
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go m.cleanupLoop()
	return m
}

func (m *memoryManager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, entry := range m.cache {
		if now.After(entry.ExpiresAt) {
			delete(m.cache, key)
			expired++
		}
	}
	if expired > 0 && m.logger != nil {
		m.logger.Debug("cleaned up expired idempotency entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(m.cache)))
	}
}

// Close stops the cleanup goroutine.
func (m *memoryManager) Close() {
	close(m.stopCh)
}

func (m *memoryManager) GenerateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func (m *memoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	entry, exists := m.cache[key]
	m.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		m.mu.Lock()
		delete(m.cache, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.Data, true, nil
}

func (m *memoryManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}

	m.mu.Lock()
	m.cache[key] = &cacheEntry{
		Data:      data,
		ExpiresAt: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	entry, exists := m.cache[key]
	m.mu.RUnlock()

	if !exists {
		return false, nil
	}
	if time.Now().After(entry.ExpiresAt) {
		m.mu.Lock()
		delete(m.cache, key)
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}
