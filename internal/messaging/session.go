package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/notifications"
	"agrolink/internal/observability"
	"agrolink/internal/presence"
	"agrolink/internal/realtime"

	"github.com/samber/lo"
)

// UpdateKind tags a session update.
type UpdateKind string

// Session update kinds.
const (
	UpdateConversation UpdateKind = "conversation"
	UpdateMessage      UpdateKind = "message"
	UpdatePresence     UpdateKind = "presence"
	UpdateResync       UpdateKind = "resync"
)

// Update tells the UI layer that part of the session state changed.
type Update struct {
	Kind           UpdateKind           `json:"kind"`
	ConversationID uint                 `json:"conversation_id,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Message        *models.Message      `json:"message,omitempty"`
	Presence       *PresenceUpdate      `json:"presence,omitempty"`
}

// PresenceUpdate is a watched user's status change.
type PresenceUpdate struct {
	UserID   uint      `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// SessionConfig tunes a Session.
type SessionConfig struct {
	PageSize                 int
	ReuseDirectConversations bool
	Presence                 presence.TrackerConfig
	// UpdateBuffer sizes the Updates channel. Updates are dropped when it is full.
	UpdateBuffer int
	// ResubscribeInterval is the pause between failed change subscriptions.
	ResubscribeInterval time.Duration
}

// Session is one user's messaging state: a conversation store, the open
// conversation's message log, the change bridge feeding both and a presence
// tracker. All mutation goes through the stores' methods.
type Session struct {
	identity Identity
	me       uint
	notifier Notifier

	convs   *ConversationStore
	log     *MessageLog
	bridge  *Bridge
	tracker *presence.Tracker
	logger  *observability.SessionLogger

	updates chan Update

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSession wires a session for the identity's user. notifier may be nil.
func NewSession(identity Identity, backend Backend, notifier Notifier, cfg SessionConfig) *Session {
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 64
	}
	me := identity.CurrentUserID()
	s := &Session{
		identity: identity,
		me:       me,
		notifier: notifier,
		convs:    NewConversationStore(backend, me, cfg.ReuseDirectConversations),
		log:      NewMessageLog(backend, me, cfg.PageSize),
		logger:   observability.NewSessionLogger("session", me),
		updates:  make(chan Update, cfg.UpdateBuffer),
	}
	s.tracker = presence.NewTracker(backend, me, cfg.Presence, s.onPresence)
	s.bridge = NewBridge(backend, me, BridgeHandlers{
		Message:      s.onMessage,
		Conversation: s.onConversation,
		Resync:       s.onResync,
	}, cfg.ResubscribeInterval)
	return s
}

// UserID is the session owner.
func (s *Session) UserID() uint {
	return s.me
}

// Start begins the change subscription and presence polling and loads the
// conversation list. A failed initial load is logged; the list is then empty
// and stale until the next refresh.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.LogLifecycle(ctx, "start", nil)
	observability.ActiveSessions.Inc()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.bridge.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.tracker.Run(runCtx)
	}()

	if _, err := s.Conversations(ctx); err != nil {
		s.logger.LogError(ctx, err, "initial_list")
	}
}

// Ready is closed once the change subscription is live.
func (s *Session) Ready() <-chan struct{} {
	return s.bridge.Ready()
}

// Close stops background work, announces the owner offline and waits.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if started {
		observability.ActiveSessions.Dec()
	}
	s.logger.LogLifecycle(context.Background(), "close", nil)
}

// Updates streams state changes. The channel is never closed.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Conversations lists the owner's conversations. On failure the last known list
// is returned flagged stale with the error.
func (s *Session) Conversations(ctx context.Context) (ConversationList, error) {
	list, err := s.convs.List(ctx)
	if err != nil {
		s.watchParticipants(list.Conversations...)
		return list, err
	}
	s.retainParticipants(list.Conversations)
	return list, nil
}

// Conversation returns one known conversation.
func (s *Session) Conversation(id uint) (models.Conversation, bool) {
	return s.convs.Get(id)
}

// StartConversation finds or creates a conversation with participantIDs.
func (s *Session) StartConversation(ctx context.Context, participantIDs []uint) (models.Conversation, error) {
	id, err := s.convs.Start(ctx, participantIDs)
	if err != nil {
		return models.Conversation{}, err
	}
	conv, _ := s.convs.Get(id)
	s.watchParticipants(conv)
	s.emit(Update{Kind: UpdateConversation, ConversationID: id, Conversation: &conv})
	return conv, nil
}

// SetCurrent opens conversation id and returns its history, marking the owner's
// unread messages read. 0 closes the open conversation. If another SetCurrent
// overtakes this one, ErrSuperseded is returned and the log belongs to the newer call.
func (s *Session) SetCurrent(ctx context.Context, id uint) ([]models.Message, error) {
	token := s.log.Begin(id)
	if id == 0 {
		return nil, nil
	}

	conv, ok := s.convs.Get(id)
	if !ok {
		var err error
		if conv, err = s.convs.Fetch(ctx, id); err != nil {
			s.log.Abort(token)
			return nil, err
		}
		s.watchParticipants(conv)
	}

	msgs, err := s.log.LoadFor(ctx, token, conv.ParticipantIDs())
	if err != nil {
		return nil, err
	}

	if s.log.Active(token) {
		if _, err := s.MarkRead(ctx, id); err != nil {
			// The history is still good; unread stays until the next mark.
			s.logger.LogError(ctx, err, "mark_read_on_open")
		}
		msgs = s.log.Messages()
	}
	return msgs, nil
}

// Current is the open conversation, 0 when none.
func (s *Session) Current() uint {
	return s.log.ConversationID()
}

// Messages returns the open conversation's log in display order.
func (s *Session) Messages() []models.Message {
	return s.log.Messages()
}

// Send sends a message to the open conversation. After the write succeeds the
// conversation list is updated and a notification is queued for the receiver.
func (s *Session) Send(ctx context.Context, in SendInput) (models.Message, error) {
	msg, err := s.log.Send(ctx, in)
	if err != nil {
		if msg.ClientID != "" {
			s.emit(Update{Kind: UpdateMessage, ConversationID: msg.ConversationID, Message: &msg})
		}
		return msg, err
	}
	s.afterSend(ctx, msg)
	return msg, nil
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, clientID string) (models.Message, error) {
	msg, err := s.log.Retry(ctx, clientID)
	if err != nil {
		return msg, err
	}
	s.afterSend(ctx, msg)
	return msg, nil
}

// Discard drops a failed message from the log.
func (s *Session) Discard(clientID string) error {
	return s.log.Discard(clientID)
}

func (s *Session) afterSend(ctx context.Context, msg models.Message) {
	s.emit(Update{Kind: UpdateMessage, ConversationID: msg.ConversationID, Message: &msg})
	if !s.convs.ApplyMessage(msg) {
		s.fetchConversation(ctx, msg.ConversationID)
	} else {
		s.emitConversation(msg.ConversationID)
	}
	if s.notifier != nil {
		s.notifier.Emit(notifications.MessageEvent(msg, s.identity.Profile()))
	}
}

// MarkRead marks the owner's unread messages in a conversation read. Repeating it
// has no further effect.
func (s *Session) MarkRead(ctx context.Context, conversationID uint) ([]models.Message, error) {
	updated, err := s.log.MarkRead(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(updated) > 0 {
		s.convs.ApplyRead(updated)
		s.emitConversation(conversationID)
	}
	return updated, nil
}

// Refresh re-fetches the conversation list.
func (s *Session) Refresh(ctx context.Context) error {
	_, err := s.Conversations(ctx)
	return err
}

// SetVisible records whether the owner's client is in the foreground.
func (s *Session) SetVisible(visible bool) {
	s.tracker.SetVisible(visible)
}

// PresenceOf returns the last polled presence of userID and starts watching the
// user if needed. The result is advisory.
func (s *Session) PresenceOf(userID uint) (presence.Status, models.Presence) {
	status, p := s.tracker.Status(userID)
	if status == presence.StatusUnknown && userID != s.me {
		s.tracker.Watch(userID)
	}
	return status, p
}

func (s *Session) watchParticipants(convs ...models.Conversation) {
	s.tracker.Watch(participantIDs(convs)...)
}

// retainParticipants narrows the watch set to people sharing a conversation
// with the owner after a full fetch. Users looked up through PresenceOf alone
// are dropped and watched again on their next lookup.
func (s *Session) retainParticipants(convs []models.Conversation) {
	s.tracker.Retain(participantIDs(convs)...)
}

func participantIDs(convs []models.Conversation) []uint {
	ids := lo.FlatMap(convs, func(c models.Conversation, _ int) []uint { return c.ParticipantIDs() })
	return lo.Uniq(ids)
}

func (s *Session) onMessage(ctx context.Context, _ realtime.Op, msg models.Message) {
	if s.log.Apply(msg) {
		s.emit(Update{Kind: UpdateMessage, ConversationID: msg.ConversationID, Message: &msg})
	}
	if !s.convs.ApplyMessage(msg) {
		s.fetchConversation(ctx, msg.ConversationID)
		return
	}
	s.emitConversation(msg.ConversationID)
}

func (s *Session) onConversation(ctx context.Context, _ realtime.Op, conv models.Conversation) {
	if len(conv.Participants) > 0 && !conv.HasParticipant(s.me) {
		return
	}
	if _, known := s.convs.Get(conv.ID); !known {
		// Pushed rows carry no unread or last message for this user.
		s.fetchConversation(ctx, conv.ID)
		return
	}
	s.convs.ApplyConversation(conv)
	s.watchParticipants(conv)
	s.emitConversation(conv.ID)
}

func (s *Session) onResync(ctx context.Context) {
	if err := s.convs.Refresh(ctx); err != nil {
		s.logger.LogError(ctx, err, "resync_conversations")
	} else {
		s.retainParticipants(s.convs.Snapshot())
	}
	// A switch made while this runs wins; the reload is then dropped.
	if _, err := s.log.Reload(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		s.logger.LogError(ctx, err, "resync_history")
	}
	s.emit(Update{Kind: UpdateResync})
}

// fetchConversation loads an unknown conversation without holding up the caller.
func (s *Session) fetchConversation(ctx context.Context, id uint) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		conv, err := s.convs.Fetch(context.WithoutCancel(ctx), id)
		if err != nil {
			s.logger.LogError(ctx, err, "fetch_conversation")
			return
		}
		s.watchParticipants(conv)
		s.emit(Update{Kind: UpdateConversation, ConversationID: id, Conversation: &conv})
	}()
}

func (s *Session) emitConversation(id uint) {
	conv, ok := s.convs.Get(id)
	if !ok {
		return
	}
	s.emit(Update{Kind: UpdateConversation, ConversationID: id, Conversation: &conv})
}

func (s *Session) onPresence(t presence.Transition) {
	s.emit(Update{Kind: UpdatePresence, Presence: &PresenceUpdate{
		UserID:   t.UserID,
		Status:   t.To.String(),
		LastSeen: t.Presence.LastSeen,
	}})
}

// emit never blocks; a slow reader loses updates, not state.
func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		observability.UpdateBackpressureDrops.WithLabelValues(string(u.Kind)).Inc()
		s.logger.LogDropped(context.Background(), "update "+string(u.Kind), "updates buffer full")
	}
}
