// Package messaging keeps one user's view of conversations, the open conversation's
// message log and peer presence consistent while updates arrive from local sends,
// pushed change notifications and presence polling.
package messaging

import (
	"context"
	"errors"
	"io"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/notifications"
	"agrolink/internal/realtime"
)

// Identity supplies the authenticated user. The messaging core only reads it.
type Identity interface {
	CurrentUserID() uint
	Profile() models.User
}

// StaticIdentity is an Identity fixed at construction.
type StaticIdentity struct {
	User models.User
}

func (i StaticIdentity) CurrentUserID() uint  { return i.User.ID }
func (i StaticIdentity) Profile() models.User { return i.User }

// ConversationBackend reads and creates conversations.
type ConversationBackend interface {
	ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id, viewerID uint) (*models.Conversation, error)
	FindConversation(ctx context.Context, participantIDs []uint) (*models.Conversation, error)
	CreateConversation(ctx context.Context, createdBy uint, participantIDs []uint) (*models.Conversation, error)
}

// MessageBackend reads and writes messages.
type MessageBackend interface {
	LoadMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, msg models.Message) (models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID uint, at time.Time) ([]models.Message, error)
}

// ChangeSource opens change subscriptions.
type ChangeSource interface {
	Subscribe(ctx context.Context, handler realtime.Handler, onResync func(context.Context), filters ...realtime.Filter) (io.Closer, error)
}

// PresenceBackend reads and announces presence.
type PresenceBackend interface {
	GetMany(ctx context.Context, userIDs []uint) (map[uint]models.Presence, error)
	Announce(ctx context.Context, userID uint, online bool, at time.Time) error
}

// Backend is everything a Session needs from the data-access boundary.
type Backend interface {
	ConversationBackend
	MessageBackend
	ChangeSource
	PresenceBackend
}

// Notifier accepts side-effect events without blocking.
type Notifier interface {
	Emit(ev notifications.Event) bool
}

var (
	ErrNoActiveConversation = models.NewValidationError("no active conversation")
	ErrNotParticipant       = models.NewValidationError("receiver is not a participant of the active conversation")
	ErrInvalidParticipants  = models.NewValidationError("a conversation needs at least one other participant")
	ErrNotFailed            = models.NewValidationError("only failed messages can be retried or discarded")

	// ErrSuperseded is returned by a history load overtaken by a newer one.
	ErrSuperseded = errors.New("messaging: history load superseded")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("messaging: session closed")
)
