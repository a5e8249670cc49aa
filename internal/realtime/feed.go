// Package realtime carries row change notifications from writers to subscribed
// sessions over Redis pub/sub. Delivery is at-least-once and unordered; a
// subscriber that reconnects gets no replay and is told to resynchronize.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"agrolink/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Table names a stream of row changes.
type Table string

// Tables with change streams.
const (
	TableMessages      Table = "messages"
	TableConversations Table = "conversations"
	TableNotifications Table = "notifications"
)

// Op is the kind of row change.
type Op string

// Row change kinds.
const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// Change is one committed row change.
type Change struct {
	Table    Table           `json:"table"`
	Op       Op              `json:"op"`
	Record   json.RawMessage `json:"record"`
	CommitTS time.Time       `json:"commit_ts"`
}

// NewChange encodes record into a change.
func NewChange(table Table, op Op, record any) (Change, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return Change{}, fmt.Errorf("marshal %s record: %w", table, err)
	}
	return Change{Table: table, Op: op, Record: raw, CommitTS: time.Now().UTC()}, nil
}

// Decode unmarshals the record into v.
func (c Change) Decode(v any) error {
	return json.Unmarshal(c.Record, v)
}

// Filter scopes a change stream to rows whose column equals value.
type Filter struct {
	Table  Table
	Column string
	Value  uint
}

// Channel derives the Redis channel name for the filter.
func (f Filter) Channel() string {
	return "changes:" + string(f.Table) + ":" + f.Column + ":" + strconv.FormatUint(uint64(f.Value), 10)
}

// MessagesTo matches messages addressed to userID.
func MessagesTo(userID uint) Filter {
	return Filter{Table: TableMessages, Column: "receiver_id", Value: userID}
}

// MessagesFrom matches messages sent by userID.
func MessagesFrom(userID uint) Filter {
	return Filter{Table: TableMessages, Column: "sender_id", Value: userID}
}

// ConversationsOf matches conversations userID participates in.
func ConversationsOf(userID uint) Filter {
	return Filter{Table: TableConversations, Column: "participant", Value: userID}
}

// NotificationsFor matches notifications for userID.
func NotificationsFor(userID uint) Filter {
	return Filter{Table: TableNotifications, Column: "user_id", Value: userID}
}

// Handler receives decoded changes. It must not block for long.
type Handler func(ctx context.Context, change Change)

// Feed publishes and subscribes to change streams.
type Feed struct {
	rdb *redis.Client
}

// NewFeed creates a Feed over the given Redis client.
func NewFeed(rdb *redis.Client) *Feed {
	return &Feed{rdb: rdb}
}

// Publish sends change to every subscriber of filter.
func (f *Feed) Publish(ctx context.Context, filter Filter, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return f.rdb.Publish(ctx, filter.Channel(), payload).Err()
}

// Subscription is a live subscription to one or more filters.
type Subscription struct {
	pubsub    *redis.PubSub
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe starts delivering changes matching any of filters to handler. It returns
// once Redis has confirmed the subscription. onResync, when not nil, is called each
// time the connection drops and the subscription is re-established, since changes
// published in between are lost.
func (f *Feed) Subscribe(ctx context.Context, handler Handler, onResync func(context.Context), filters ...Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, errors.New("realtime: at least one filter is required")
	}

	channels := make([]string, len(filters))
	for i, flt := range filters {
		channels[i] = flt.Channel()
	}

	pubsub := f.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.run(runCtx, channels[0], handler, onResync)

	return s, nil
}

func (s *Subscription) run(ctx context.Context, first string, handler Handler, onResync func(context.Context)) {
	defer close(s.done)
	defer func() { _ = s.pubsub.Close() }()

	ch := s.pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				// The client replays SUBSCRIBE for every channel after a reconnect.
				// The first channel's confirmation marks one reconnect.
				if m.Kind == "subscribe" && m.Channel == first && onResync != nil {
					observability.RealtimeResyncs.Inc()
					safeCall(ctx, "resync", func() { onResync(ctx) })
				}
			case *redis.Message:
				var change Change
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					observability.ChangesDropped.WithLabelValues("decode").Inc()
					observability.Logger.WarnContext(ctx, "realtime: dropping undecodable change",
						slog.String("channel", m.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				observability.ChangesReceived.WithLabelValues(string(change.Table), string(change.Op)).Inc()
				safeCall(ctx, "handler", func() { handler(ctx, change) })
			}
		}
	}
}

func safeCall(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.Logger.ErrorContext(ctx, "PANIC in realtime subscriber",
				slog.String("callback", what),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

// Close stops delivery and waits for the delivery goroutine to exit.
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}
