package messaging

import (
	"context"
	"sync"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"
	"agrolink/internal/realtime"
)

// BridgeHandlers receive decoded changes. They run on the subscription goroutine.
type BridgeHandlers struct {
	Message      func(ctx context.Context, op realtime.Op, msg models.Message)
	Conversation func(ctx context.Context, op realtime.Op, conv models.Conversation)
	// Resync is called when changes may have been missed.
	Resync func(ctx context.Context)
}

// Bridge subscribes to the change streams of one user and routes decoded rows to
// its handlers. A failed subscription is retried in the background; the session
// keeps serving stale data meanwhile.
type Bridge struct {
	source   ChangeSource
	me       uint
	handlers BridgeHandlers
	retry    time.Duration
	log      *observability.SessionLogger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewBridge creates a bridge for userID. retry is the pause between failed
// subscription attempts.
func NewBridge(source ChangeSource, userID uint, handlers BridgeHandlers, retry time.Duration) *Bridge {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &Bridge{
		source:   source,
		me:       userID,
		handlers: handlers,
		retry:    retry,
		log:      observability.NewSessionLogger("bridge", userID),
		ready:    make(chan struct{}),
	}
}

// Filters are the streams a user's session listens to.
func (b *Bridge) Filters() []realtime.Filter {
	return []realtime.Filter{
		realtime.MessagesTo(b.me),
		realtime.MessagesFrom(b.me),
		realtime.ConversationsOf(b.me),
	}
}

// Ready is closed once the first subscription is confirmed.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes and keeps the subscription until ctx is done. It blocks.
func (b *Bridge) Run(ctx context.Context) {
	failed := false
	for {
		sub, err := b.source.Subscribe(ctx, b.handle, b.resync, b.Filters()...)
		if err == nil {
			b.readyOnce.Do(func() { close(b.ready) })
			b.log.LogLifecycle(ctx, "subscribed", nil)
			if failed {
				// Whatever was published while we were not listening is lost.
				b.resync(ctx)
			}
			<-ctx.Done()
			_ = sub.Close()
			return
		}

		if ctx.Err() != nil {
			return
		}
		failed = true
		b.log.LogError(ctx, err, "subscribe")

		timer := time.NewTimer(b.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (b *Bridge) resync(ctx context.Context) {
	b.log.LogLifecycle(ctx, "resync", nil)
	if b.handlers.Resync != nil {
		b.handlers.Resync(ctx)
	}
}

func (b *Bridge) handle(ctx context.Context, change realtime.Change) {
	switch change.Table {
	case realtime.TableMessages:
		var msg models.Message
		if err := change.Decode(&msg); err != nil {
			b.drop(ctx, change, "decode")
			return
		}
		if msg.SenderID != b.me && msg.ReceiverID != b.me {
			b.drop(ctx, change, "not addressed to session user")
			return
		}
		if b.handlers.Message != nil {
			b.handlers.Message(ctx, change.Op, msg)
		}
	case realtime.TableConversations:
		var conv models.Conversation
		if err := change.Decode(&conv); err != nil {
			b.drop(ctx, change, "decode")
			return
		}
		if b.handlers.Conversation != nil {
			b.handlers.Conversation(ctx, change.Op, conv)
		}
	default:
		b.drop(ctx, change, "unhandled table")
	}
}

func (b *Bridge) drop(ctx context.Context, change realtime.Change, reason string) {
	observability.ChangesDropped.WithLabelValues(reason).Inc()
	b.log.LogDropped(ctx, string(change.Table)+" "+string(change.Op), reason)
}
