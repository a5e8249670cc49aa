// Package backend is the data-access boundary of the messaging core. It puts every
// repository, change feed, presence and blob call behind one policy of timeouts,
// retries and tracing, and publishes change notifications after successful writes.
package backend

import (
	"context"
	"io"
	"log/slog"
	"time"

	"agrolink/internal/blob"
	"agrolink/internal/models"
	"agrolink/internal/observability"
	"agrolink/internal/presence"
	"agrolink/internal/realtime"
	"agrolink/internal/repository"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const publishTimeout = 2 * time.Second

// Deps are the collaborators a Store delegates to.
type Deps struct {
	Chats         repository.ChatRepository
	Profiles      repository.ProfileRepository
	Notifications repository.NotificationRepository
	Feed          *realtime.Feed
	Presence      *presence.Store
	Blobs         blob.Store
}

// Store implements the narrow interfaces consumed by sessions, the presence
// tracker and the notification dispatcher.
type Store struct {
	deps   Deps
	policy CallPolicy
	// Presence reads and writes are never retried; the next poll is the retry.
	presencePolicy CallPolicy
}

// New creates a Store.
func New(deps Deps, policy CallPolicy) *Store {
	policy = policy.withDefaults()
	presencePolicy := policy
	presencePolicy.MaxAttempts = 1
	return &Store{deps: deps, policy: policy, presencePolicy: presencePolicy}
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error) {
	return call(ctx, s.policy, "list_conversations", func(ctx context.Context) ([]models.Conversation, error) {
		convs, err := s.deps.Chats.GetUserConversations(ctx, userID)
		if err != nil {
			return nil, err
		}
		return lo.Map(convs, func(c *models.Conversation, _ int) models.Conversation { return *c }), nil
	})
}

// GetConversation returns one conversation with the viewer's derived fields.
func (s *Store) GetConversation(ctx context.Context, id, viewerID uint) (*models.Conversation, error) {
	return call(ctx, s.policy, "get_conversation", func(ctx context.Context) (*models.Conversation, error) {
		return s.deps.Chats.GetConversation(ctx, id, viewerID)
	})
}

// FindConversation returns the conversation whose participants are exactly participantIDs.
func (s *Store) FindConversation(ctx context.Context, participantIDs []uint) (*models.Conversation, error) {
	return call(ctx, s.policy, "find_conversation", func(ctx context.Context) (*models.Conversation, error) {
		return s.deps.Chats.FindConversationByParticipants(ctx, participantIDs)
	})
}

// CreateConversation creates a conversation with one membership row per participant
// and announces it to every participant.
func (s *Store) CreateConversation(ctx context.Context, createdBy uint, participantIDs []uint) (*models.Conversation, error) {
	conv, err := call(ctx, s.policy, "create_conversation", func(ctx context.Context) (*models.Conversation, error) {
		return s.deps.Chats.CreateConversation(ctx, createdBy, participantIDs)
	})
	if err != nil {
		return nil, err
	}

	record := conv.Clone()
	record.LastMessage, record.UnreadIDs, record.UnreadCount = nil, nil, 0
	filters := lo.Map(record.ParticipantIDs(), func(id uint, _ int) realtime.Filter { return realtime.ConversationsOf(id) })
	s.publish(ctx, realtime.TableConversations, realtime.OpInsert, record, filters...)

	return conv, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID uint) (bool, error) {
	return call(ctx, s.policy, "is_participant", func(ctx context.Context) (bool, error) {
		return s.deps.Chats.IsParticipant(ctx, conversationID, userID)
	})
}

// LoadMessages returns the latest limit messages of a conversation, oldest first.
func (s *Store) LoadMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	return call(ctx, s.policy, "load_messages", func(ctx context.Context) ([]models.Message, error) {
		msgs, err := s.deps.Chats.GetMessages(ctx, conversationID, limit)
		if err != nil {
			return nil, err
		}
		return lo.Map(msgs, func(m *models.Message, _ int) models.Message { return *m }), nil
	})
}

// SendMessage persists msg. Sends are idempotent on ClientID: resending a client id
// returns the stored row without a second insert or a second change notification.
func (s *Store) SendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	if msg.SenderID == msg.ReceiverID {
		return models.Message{}, models.NewValidationError("cannot send a message to yourself")
	}
	if _, err := msg.Body(); err != nil {
		return models.Message{}, err
	}

	type result struct {
		msg     models.Message
		created bool
	}
	res, err := call(ctx, s.policy, "send_message", func(ctx context.Context) (result, error) {
		for _, uid := range []uint{msg.SenderID, msg.ReceiverID} {
			ok, err := s.deps.Chats.IsParticipant(ctx, msg.ConversationID, uid)
			if err != nil {
				return result{}, err
			}
			if !ok {
				return result{}, models.NewForbiddenError("sender and receiver must both be participants")
			}
		}
		row := msg
		row.Delivery = ""
		created, err := s.deps.Chats.CreateMessage(ctx, &row)
		return result{msg: row, created: created}, err
	})
	observability.MessagesSent.WithLabelValues(string(msg.Type), outcome(err)).Inc()
	if err != nil {
		return models.Message{}, err
	}

	if res.created {
		s.publish(ctx, realtime.TableMessages, realtime.OpInsert, res.msg,
			realtime.MessagesTo(res.msg.ReceiverID), realtime.MessagesFrom(res.msg.SenderID))
	}
	return res.msg, nil
}

// MarkRead stamps read_at on userID's unread messages in the conversation and
// returns the rows that changed.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID uint, at time.Time) ([]models.Message, error) {
	updated, err := call(ctx, s.policy, "mark_read", func(ctx context.Context) ([]models.Message, error) {
		msgs, err := s.deps.Chats.MarkConversationRead(ctx, conversationID, userID, at)
		if err != nil {
			return nil, err
		}
		return lo.Map(msgs, func(m *models.Message, _ int) models.Message { return *m }), nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range updated {
		s.publish(ctx, realtime.TableMessages, realtime.OpUpdate, m,
			realtime.MessagesTo(m.ReceiverID), realtime.MessagesFrom(m.SenderID))
	}
	return updated, nil
}

// GetProfile returns one profile.
func (s *Store) GetProfile(ctx context.Context, id uint) (*models.User, error) {
	return call(ctx, s.policy, "get_profile", func(ctx context.Context) (*models.User, error) {
		return s.deps.Profiles.GetByID(ctx, id)
	})
}

// GetProfiles returns the profiles that exist among ids.
func (s *Store) GetProfiles(ctx context.Context, ids []uint) ([]models.User, error) {
	return call(ctx, s.policy, "get_profiles", func(ctx context.Context) ([]models.User, error) {
		return s.deps.Profiles.GetByIDs(ctx, ids)
	})
}

// CreateNotification persists an inbox entry and announces it to the recipient.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := call(ctx, s.policy, "create_notification", func(ctx context.Context) (struct{}, error) {
		// A retried attempt must not reuse the id of a failed insert.
		n.ID = 0
		return struct{}{}, s.deps.Notifications.Create(ctx, n)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, realtime.TableNotifications, realtime.OpInsert, n, realtime.NotificationsFor(n.UserID))
	return nil
}

// GetMany reads presence for the given users.
func (s *Store) GetMany(ctx context.Context, userIDs []uint) (map[uint]models.Presence, error) {
	return call(ctx, s.presencePolicy, "presence_get", func(ctx context.Context) (map[uint]models.Presence, error) {
		return s.deps.Presence.GetMany(ctx, userIDs)
	})
}

// OnlineUsers lists users whose online announcement is still fresh.
func (s *Store) OnlineUsers(ctx context.Context) ([]uint, error) {
	return call(ctx, s.presencePolicy, "presence_online", func(ctx context.Context) ([]uint, error) {
		return s.deps.Presence.OnlineUsers(ctx)
	})
}

// Announce records the user's own presence.
func (s *Store) Announce(ctx context.Context, userID uint, online bool, at time.Time) error {
	_, err := call(ctx, s.presencePolicy, "presence_announce", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deps.Presence.Announce(ctx, userID, online, at)
	})
	return err
}

// Subscribe opens a change subscription. Closing the returned value stops it.
func (s *Store) Subscribe(ctx context.Context, handler realtime.Handler, onResync func(context.Context), filters ...realtime.Filter) (io.Closer, error) {
	return call(ctx, s.policy, "subscribe", func(attemptCtx context.Context) (io.Closer, error) {
		// The subscription outlives the attempt; only the handshake is bounded.
		type subResult struct {
			sub *realtime.Subscription
			err error
		}
		ch := make(chan subResult, 1)
		go func() {
			sub, err := s.deps.Feed.Subscribe(ctx, handler, onResync, filters...)
			ch <- subResult{sub, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, r.err
			}
			return r.sub, nil
		case <-attemptCtx.Done():
			go func() {
				if r := <-ch; r.sub != nil {
					_ = r.sub.Close()
				}
			}()
			return nil, attemptCtx.Err()
		}
	})
}

// Upload stores an attachment and returns where it is served from.
func (s *Store) Upload(ctx context.Context, name string, data []byte) (*blob.Object, error) {
	return call(ctx, s.policy, "upload", func(ctx context.Context) (*blob.Object, error) {
		return s.deps.Blobs.Put(ctx, name, data)
	})
}

// publish is best effort: the write it follows has already succeeded.
func (s *Store) publish(ctx context.Context, table realtime.Table, op realtime.Op, record any, filters ...realtime.Filter) {
	change, err := realtime.NewChange(table, op, record)
	if err != nil {
		observability.Logger.ErrorContext(ctx, "encode change", slog.String("error", err.Error()))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, f := range filters {
		if err := s.deps.Feed.Publish(pubCtx, f, change); err != nil {
			observability.Logger.WarnContext(ctx, "publish change failed",
				slog.String("channel", f.Channel()),
				slog.String("op", string(op)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "sent"
}
