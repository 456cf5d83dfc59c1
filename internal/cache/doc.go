// Package cache wraps the shared Redis backend used by the quota store,
// nonce store, idempotency cache and share links: typed get/set with TTL,
// script evaluation for atomic operations, and a background health check.
package cache
