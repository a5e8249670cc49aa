package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEventuallyTimeout = 5 * time.Second

type record struct {
	ID      uint   `json:"id"`
	Content string `json:"content"`
}

type collector struct {
	mu      sync.Mutex
	changes []Change
}

func (c *collector) handle(_ context.Context, ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func (c *collector) at(i int) Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes[i]
}

func newTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFeed(rdb), mr
}

func TestFilter_Channel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "changes:messages:receiver_id:7", Filter{Table: TableMessages, Column: "receiver_id", Value: 7}.Channel())
	assert.Equal(t, "changes:conversations:participant:12", Filter{Table: TableConversations, Column: "participant", Value: 12}.Channel())
}

func TestFeed_PublishSubscribe(t *testing.T) {
	feed, _ := newTestFeed(t)
	ctx := context.Background()

	mine := Filter{Table: TableMessages, Column: "receiver_id", Value: 1}
	other := Filter{Table: TableMessages, Column: "receiver_id", Value: 2}

	c := &collector{}
	sub, err := feed.Subscribe(ctx, c.handle, nil, mine)
	require.NoError(t, err)
	defer sub.Close()

	change, err := NewChange(TableMessages, OpInsert, record{ID: 5, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, other, change))
	require.NoError(t, feed.Publish(ctx, mine, change))

	assert.Eventually(t, func() bool { return c.len() == 1 }, testEventuallyTimeout, 10*time.Millisecond)
	assert.Never(t, func() bool { return c.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	got := c.at(0)
	assert.Equal(t, TableMessages, got.Table)
	assert.Equal(t, OpInsert, got.Op)

	var rec record
	require.NoError(t, got.Decode(&rec))
	assert.Equal(t, record{ID: 5, Content: "hi"}, rec)
}

func TestFeed_DropsUndecodablePayload(t *testing.T) {
	feed, mr := newTestFeed(t)
	ctx := context.Background()
	flt := Filter{Table: TableConversations, Column: "participant", Value: 3}

	c := &collector{}
	sub, err := feed.Subscribe(ctx, c.handle, nil, flt)
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(flt.Channel(), "not json")

	change, err := NewChange(TableConversations, OpUpdate, record{ID: 1})
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, flt, change))

	assert.Eventually(t, func() bool { return c.len() == 1 }, testEventuallyTimeout, 10*time.Millisecond)
	assert.Equal(t, OpUpdate, c.at(0).Op)
}

func TestFeed_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	feed, _ := newTestFeed(t)
	ctx := context.Background()
	flt := Filter{Table: TableMessages, Column: "sender_id", Value: 9}

	var calls int32
	sub, err := feed.Subscribe(ctx, func(context.Context, Change) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
	}, nil, flt)
	require.NoError(t, err)
	defer sub.Close()

	change, err := NewChange(TableMessages, OpInsert, record{ID: 1})
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, flt, change))
	require.NoError(t, feed.Publish(ctx, flt, change))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, testEventuallyTimeout, 10*time.Millisecond)
}

func TestFeed_SubscribeFailsWhenUnreachable(t *testing.T) {
	feed, mr := newTestFeed(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := feed.Subscribe(ctx, func(context.Context, Change) {}, nil, Filter{Table: TableMessages, Column: "receiver_id", Value: 1})
	assert.Error(t, err)
}

func TestFeed_ResyncAfterReconnect(t *testing.T) {
	feed, mr := newTestFeed(t)
	ctx := context.Background()

	filters := []Filter{
		{Table: TableMessages, Column: "receiver_id", Value: 4},
		{Table: TableMessages, Column: "sender_id", Value: 4},
	}

	var resyncs int32
	c := &collector{}
	sub, err := feed.Subscribe(ctx, c.handle, func(context.Context) {
		atomic.AddInt32(&resyncs, 1)
	}, filters...)
	require.NoError(t, err)
	defer sub.Close()

	// Initial confirmations never count as a resync.
	assert.Never(t, func() bool { return atomic.LoadInt32(&resyncs) > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	mr.Close()
	require.NoError(t, mr.Restart())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&resyncs) == 1 }, testEventuallyTimeout, 20*time.Millisecond)

	change, err := NewChange(TableMessages, OpInsert, record{ID: 2})
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, filters[1], change))
	assert.Eventually(t, func() bool { return c.len() == 1 }, testEventuallyTimeout, 10*time.Millisecond)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	feed, _ := newTestFeed(t)
	ctx := context.Background()
	flt := Filter{Table: TableNotifications, Column: "user_id", Value: 1}

	c := &collector{}
	sub, err := feed.Subscribe(ctx, c.handle, nil, flt)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	select {
	case <-sub.done:
	default:
		t.Fatal("subscription not done after Close")
	}

	change, err := NewChange(TableNotifications, OpInsert, record{ID: 1})
	require.NoError(t, err)
	require.NoError(t, feed.Publish(ctx, flt, change))
	assert.Never(t, func() bool { return c.len() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
