// Package sharelink issues and redeems share-link capability tokens: a
// signed token grants read/delete access to one stored response snapshot,
// independent of the API-key edge.
package sharelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/olumi/cee/internal/cache"
)

// DefaultTTL bounds a share link's lifetime.
const DefaultTTL = 7 * 24 * time.Hour

var (
	ErrInvalidToken = errors.New("sharelink: invalid or expired token")
	ErrNotFound     = errors.New("sharelink: share not found")
)

type claims struct {
	ShareID string `json:"share_id"`
	jwt.RegisteredClaims
}

// Service signs share tokens (HS256) and stores snapshots in the shared
// cache when available, with an in-memory fallback.
type Service struct {
	secret []byte
	ttl    time.Duration
	cache  *cache.Manager

	mu    sync.Mutex
	local map[string]entry
}

type entry struct {
	payload   json.RawMessage
	expiresAt time.Time
}

// New builds a Service. cacheMgr may be nil. ttl <= 0 selects DefaultTTL.
func New(secret []byte, ttl time.Duration, cacheMgr *cache.Manager) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		secret: secret,
		ttl:    ttl,
		cache:  cacheMgr,
		local:  make(map[string]entry),
	}
}

// Create stores the snapshot and returns its capability token.
func (s *Service) Create(ctx context.Context, payload json.RawMessage) (string, error) {
	shareID := uuid.NewString()
	now := time.Now()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ShareID: shareID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cee",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", err
	}

	stored := false
	if s.cache != nil {
		if err := s.cache.Set(ctx, s.cacheKey(shareID), string(payload), s.ttl); err == nil {
			stored = true
		}
	}
	if !stored {
		s.mu.Lock()
		s.local[shareID] = entry{payload: payload, expiresAt: now.Add(s.ttl)}
		s.mu.Unlock()
	}
	return signed, nil
}

// Get redeems a token and returns the stored snapshot.
func (s *Service) Get(ctx context.Context, token string) (json.RawMessage, error) {
	shareID, err := s.verify(token)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, s.cacheKey(shareID)); err == nil && v != "" {
			return json.RawMessage(v), nil
		}
	}
	s.mu.Lock()
	e, ok := s.local[shareID]
	s.mu.Unlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	return e.payload, nil
}

// Delete redeems a token and removes the stored snapshot.
func (s *Service) Delete(ctx context.Context, token string) error {
	shareID, err := s.verify(token)
	if err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, s.cacheKey(shareID))
	}
	s.mu.Lock()
	delete(s.local, shareID)
	s.mu.Unlock()
	return nil
}

func (s *Service) verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.ShareID == "" {
		return "", ErrInvalidToken
	}
	return c.ShareID, nil
}

func (s *Service) cacheKey(shareID string) string {
	return "share:" + shareID
}
