// Package notifications turns user actions into inbox notifications without
// coupling the action to the outcome.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"
)

// Event is a request to notify a recipient about something an actor did.
type Event struct {
	Kind        models.NotificationType
	RecipientID uint
	ActorID     uint
	Title       string
	Body        string
	Data        map[string]any
}

// Notification builds the row persisted for the event.
func (e Event) Notification() (*models.Notification, error) {
	var data json.RawMessage
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s notification data: %w", e.Kind, err)
		}
		data = raw
	}
	return &models.Notification{
		UserID:   e.RecipientID,
		SenderID: e.ActorID,
		Type:     e.Kind,
		Title:    e.Title,
		Message:  e.Body,
		Data:     data,
	}, nil
}

// Sink persists notifications.
type Sink interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// DispatcherConfig sizes the queue and bounds each delivery.
type DispatcherConfig struct {
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher is a bounded outbound queue drained by a single worker. Emit never
// blocks; when the queue is full the event is dropped. Delivery failures are
// logged and swallowed.
//
// Dispatcher is safe for concurrent use by multiple goroutines.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	timeout time.Duration
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(sink Sink, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, cfg.QueueSize),
		timeout: cfg.Timeout,
	}
}

// Emit queues ev and reports whether it was accepted. Self-notifications are skipped.
func (d *Dispatcher) Emit(ev Event) bool {
	if ev.RecipientID == 0 || ev.RecipientID == ev.ActorID {
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		observability.NotificationsDispatched.WithLabelValues(string(ev.Kind), "dropped").Inc()
		observability.Logger.Warn("notification event lost: queue full",
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("recipient_id", uint64(ev.RecipientID)),
		)
		return false
	}
}

// Pending is the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			observability.Logger.Debug("notification dispatcher stopped", slog.Int("pending", len(d.queue)))
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.NotificationsDispatched.WithLabelValues(string(ev.Kind), "panic").Inc()
			observability.Logger.ErrorContext(ctx, "PANIC in notification dispatcher",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fields := map[string]any{"kind": ev.Kind, "recipient_id": ev.RecipientID}
	observability.LogAsyncOperationStart(ctx, "notify", fields)

	n, err := ev.Notification()
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.sink.CreateNotification(callCtx, n)
		cancel()
	}
	if err != nil {
		observability.NotificationsDispatched.WithLabelValues(string(ev.Kind), "failed").Inc()
		observability.LogAsyncOperationError(ctx, "notify", err, fields)
		return
	}
	observability.NotificationsDispatched.WithLabelValues(string(ev.Kind), "created").Inc()
}
