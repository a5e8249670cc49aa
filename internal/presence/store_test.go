package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, staleAfter time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, StoreConfig{StaleAfter: staleAfter}), mr
}

func TestStore_Freshness(t *testing.T) {
	store, _ := newTestStore(t, 10*time.Second)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Announce(ctx, 1, true, now.Add(-9*time.Second)))
	require.NoError(t, store.Announce(ctx, 2, true, now.Add(-11*time.Second)))
	require.NoError(t, store.Announce(ctx, 3, false, now))

	all, err := store.GetMany(ctx, []uint{1, 2, 3, 4})
	require.NoError(t, err)

	assert.True(t, all[1].IsOnline, "heartbeat inside the window")
	assert.False(t, all[2].IsOnline, "heartbeat older than the window")
	assert.False(t, all[3].IsOnline, "announced offline")
	assert.False(t, all[4].IsOnline, "never announced")
	assert.True(t, all[4].LastSeen.IsZero())
	assert.True(t, now.Add(-11*time.Second).Equal(all[2].LastSeen))
}

func TestStore_GetAndOnlineUsers(t *testing.T) {
	store, mr := newTestStore(t, 10*time.Second)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Announce(ctx, 7, true, now))
	require.NoError(t, store.Announce(ctx, 8, true, now.Add(-time.Minute)))
	require.NoError(t, store.Announce(ctx, 9, true, now))
	require.NoError(t, store.Announce(ctx, 9, false, now))

	p, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint(7), p.UserID)
	assert.True(t, p.IsOnline)

	online, err := store.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{7}, online)

	assert.True(t, mr.Exists("presence:user:7"))
	assert.Positive(t, mr.TTL("presence:user:7"))
}

func TestStore_Unreachable(t *testing.T) {
	store, mr := newTestStore(t, 10*time.Second)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, store.Announce(ctx, 1, true, time.Now()))
	_, err := store.GetMany(ctx, []uint{1})
	assert.Error(t, err)
}
