package cache

import (
	"context"
	"time"
)

// Store is the credential-store contract consumed by the session manager and
// the rate limiter. Any key-value store with native per-key TTL and a set
// primitive satisfies it.
type Store interface {
	// Set writes a string value under key with the supplied TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get reads a value. The boolean reports whether the key existed.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes the supplied keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// SAdd adds members to the set stored at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set stored at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers enumerates the set stored at key. A missing key yields an
	// empty slice.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Expire refreshes the TTL of key. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// IncrementWithTTL bumps a counter, establishing the window TTL on first
	// increment, and returns the new count with the remaining window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	Close() error
}
