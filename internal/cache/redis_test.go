package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	store, err := NewRedisStore(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return store, mr
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{})
	require.Error(t, err)
}

func TestNewRedisStoreRejectsUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{
		Address: "127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestSetGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	value, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v", value)

	require.NoError(t, store.Delete(ctx, "k"))

	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetMissingKey(t *testing.T) {
	store, _ := newTestStore(t)

	_, found, err := store.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestKeysExpireWithTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "ephemeral", "v", time.Second))

	mr.FastForward(2 * time.Second)

	_, found, err := store.Get(ctx, "ephemeral")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "tokens", "a", "b", "c"))

	members, err := store.SMembers(ctx, "tokens")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, store.SRem(ctx, "tokens", "b"))

	members, err = store.SMembers(ctx, "tokens")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)

	// Missing sets enumerate empty.
	members, err = store.SMembers(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestIncrementWithTTL(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	count, ttl, err := store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.Equal(t, time.Minute, ttl)

	count, ttl, err = store.IncrementWithTTL(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	require.LessOrEqual(t, ttl, time.Minute)
	require.Greater(t, ttl, time.Duration(0))
}
