package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_IncrWindow(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	n, ttl, err := s.Incr(ctx, PrefixUserRate+"u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Minute, ttl)

	n, _, err = s.Incr(ctx, PrefixUserRate+"u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(time.Minute + time.Second)

	n, _, err = s.Incr(ctx, PrefixUserRate+"u1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_ValuesAndSets(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Ping(ctx))

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Count(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Set(ctx, PrefixTimeout+"1.2.3.4", `{"reason":"x"}`, 30*time.Minute))
	v, err := s.Get(ctx, PrefixTimeout+"1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, `{"reason":"x"}`, v)
	assert.Equal(t, 30*time.Minute, mr.TTL(PrefixTimeout+"1.2.3.4"))

	require.NoError(t, s.Del(ctx, PrefixTimeout+"1.2.3.4"))
	_, err = s.Get(ctx, PrefixTimeout+"1.2.3.4")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SAdd(ctx, KeyDenyList, "9.9.9.9"))
	ok, err := s.SIsMember(ctx, KeyDenyList, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := s.SMembers(ctx, KeyDenyList)
	require.NoError(t, err)
	assert.Equal(t, []string{"9.9.9.9"}, members)

	require.NoError(t, s.SRem(ctx, KeyDenyList, "9.9.9.9"))
	ok, err = s.SIsMember(ctx, KeyDenyList, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)
	mr.Close()

	_, _, err := s.Incr(ctx, "k", time.Minute)
	assert.Error(t, err)
	assert.Error(t, s.Ping(ctx))
}
