// Package kv is the volatile key-value store used by the rate limiter, the
// cooldown guard and the idempotency cache. Every method is a single atomic
// store primitive; callers never read, decide and write back.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get and TTL when the key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrUnavailable wraps transport or timeout failures of the backing store.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is implemented by Redis (durable across processes), Memory
// (process-local, non-durable) and Fallback (Redis with a labeled Memory
// degradation path).
type Store interface {
	// IncrAndExpire increments key and arms its expiry to window only on the
	// increment that created it. It returns the new count and the time left
	// in the current window.
	IncrAndExpire(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// SetIfAbsent stores value only if key does not exist and reports whether
	// this caller created it.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of key, zero if it never expires.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
