// Package store provides the shared counter store and the storage backends behind it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Key prefixes shared by every backend.
const (
	PrefixUserRate     = "ratelimit:user:"
	KeyGlobalHourly    = "ratelimit:global:hourly"
	KeyGlobalDaily     = "ratelimit:global:daily"
	PrefixWarning      = "ratelimit:warning:"
	PrefixTimeoutCount = "ratelimit:timeouts:"
	PrefixTimeout      = "timeout:"
	KeyDenyList        = "ip:denylist"
)

// CounterStore is a key-value store with atomic fixed-window counters and TTLs.
// Every mutation is a single atomic operation so concurrent requests cannot
// race past a limit.
type CounterStore interface {
	// Incr increments key by one. If the key did not exist (or had expired) it
	// is created with the given window as its TTL. It returns the
	// post-increment count and the remaining TTL of the window.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	// Count returns the current value of a counter, or 0 if it does not exist.
	Count(ctx context.Context, key string) (int64, error)

	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set at key.
	SRem(ctx context.Context, key, member string) error

	// SIsMember reports whether member is in the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// SMembers lists the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
