// Package ratelimit implements fixed-window limiters over the shared counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"gatekeeper/internal/store"
)

// Decision is the outcome of consuming one token.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter returns how long until the window resets, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Reset.Before(now) {
		return 0
	}
	return d.Reset.Sub(now)
}

// FixedWindow allows Limit events per Window for each identifier.
// Counters live in the store under Prefix+id.
type FixedWindow struct {
	store  store.CounterStore
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewFixedWindow creates a fixed-window limiter.
func NewFixedWindow(s store.CounterStore, prefix string, limit int64, window time.Duration) *FixedWindow {
	return &FixedWindow{
		store:  s,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithClock overrides the clock used to compute reset times.
func (l *FixedWindow) WithClock(now func() time.Time) *FixedWindow {
	l.now = now
	return l
}

// Limit consumes one token for id. The event is counted even when it is
// rejected, so a flood keeps the window saturated.
func (l *FixedWindow) Limit(ctx context.Context, id string) (Decision, error) {
	count, ttl, err := l.store.Incr(ctx, l.prefix+id, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s%s: %w", l.prefix, id, err)
	}
	if ttl <= 0 {
		ttl = l.window
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.limit,
		Count:     count,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     l.now().Add(ttl),
	}, nil
}

// Peek returns the current count for id without consuming a token.
func (l *FixedWindow) Peek(ctx context.Context, id string) (int64, error) {
	return l.store.Count(ctx, l.prefix+id)
}

// Reset clears the counter for id.
func (l *FixedWindow) Reset(ctx context.Context, id string) error {
	return l.store.Del(ctx, l.prefix+id)
}
