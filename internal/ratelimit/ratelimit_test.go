package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/store"
)

func TestFixedWindow_Monotonic(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	s := store.NewMemoryStore(store.WithClock(clock))
	l := NewFixedWindow(s, store.PrefixUserRate, 3, time.Hour).WithClock(clock)

	for i := 1; i <= 3; i++ {
		d, err := l.Limit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(3-i), d.Remaining)
	}

	d, err := l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(4), d.Count)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, now.Add(time.Hour), d.Reset)
	assert.Equal(t, time.Hour, d.RetryAfter(now))

	other, err := l.Limit(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "limits are per identifier")
}

func TestFixedWindow_WindowReset(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	s := store.NewMemoryStore(store.WithClock(clock))
	l := NewFixedWindow(s, "rl:", 1, time.Minute).WithClock(clock)

	d, err := l.Limit(ctx, "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Limit(ctx, "x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	now = now.Add(time.Minute)
	d, err = l.Limit(ctx, "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "x"))
	n, err := l.Peek(ctx, "x")
	require.NoError(t, err)
	assert.Zero(t, n)
}
