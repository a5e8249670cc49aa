package messaging

import (
	"context"
	"io"
	"slices"
	"sync"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/realtime"

	"github.com/samber/lo"
)

// fakeBackend is an in-memory Backend. Change notifications are delivered
// synchronously to subscribers, before the write call returns.
type fakeBackend struct {
	mu         sync.Mutex
	nextConv   uint
	nextMsg    uint
	convs      map[uint]*models.Conversation
	messages   []models.Message
	presence   map[uint]models.Presence
	subs       map[int]*fakeSub
	nextSub    int
	clock      time.Time
	listErr    error
	subscribeN int

	// Hooks run outside the lock and may block.
	getHook       func(conversationID uint)
	loadHook      func(conversationID uint)
	sendHook      func(msg models.Message) error
	subscribeHook func() error
}

type fakeSub struct {
	handler  realtime.Handler
	onResync func(context.Context)
	filters  []realtime.Filter
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		convs:    make(map[uint]*models.Conversation),
		presence: make(map[uint]models.Presence),
		subs:     make(map[int]*fakeSub),
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (b *fakeBackend) tick() time.Time {
	b.clock = b.clock.Add(time.Second)
	return b.clock
}

func users(ids []uint) []models.User {
	return lo.Map(ids, func(id uint, _ int) models.User { return models.User{ID: id, FirstName: "U"} })
}

func (b *fakeBackend) decorateLocked(c *models.Conversation, viewerID uint) models.Conversation {
	out := c.Clone()
	out.LastMessage, out.UnreadIDs = nil, nil
	for i := range b.messages {
		m := b.messages[i]
		if m.ConversationID != c.ID {
			continue
		}
		if out.LastMessage == nil || models.CompareMessages(&m, out.LastMessage) > 0 {
			cp := m.Clone()
			out.LastMessage = &cp
		}
		if m.ReceiverID == viewerID && m.ReadAt == nil {
			out.UnreadIDs = append(out.UnreadIDs, m.ID)
		}
	}
	out.UnreadCount = len(out.UnreadIDs)
	return out
}

func (b *fakeBackend) ListConversations(_ context.Context, userID uint) ([]models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var out []models.Conversation
	for _, c := range b.convs {
		if c.HasParticipant(userID) {
			out = append(out, b.decorateLocked(c, userID))
		}
	}
	return out, nil
}

func (b *fakeBackend) GetConversation(_ context.Context, id, viewerID uint) (*models.Conversation, error) {
	if b.getHook != nil {
		b.getHook(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[id]
	if !ok {
		return nil, models.NewNotFoundError("Conversation", id)
	}
	out := b.decorateLocked(c, viewerID)
	return &out, nil
}

func (b *fakeBackend) FindConversation(_ context.Context, participantIDs []uint) (*models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := models.ParticipantKey(participantIDs)
	for _, c := range b.convs {
		if c.Key() == key {
			out := c.Clone()
			return &out, nil
		}
	}
	return nil, models.NewNotFoundError("Conversation", key)
}

func (b *fakeBackend) CreateConversation(_ context.Context, createdBy uint, participantIDs []uint) (*models.Conversation, error) {
	b.mu.Lock()
	b.nextConv++
	now := b.tick()
	c := &models.Conversation{
		ID:           b.nextConv,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: users(lo.Uniq(participantIDs)),
	}
	b.convs[c.ID] = c
	out := b.decorateLocked(c, createdBy)
	b.mu.Unlock()

	b.publish(realtime.TableConversations, realtime.OpInsert, c.Clone())
	return &out, nil
}

func (b *fakeBackend) LoadMessages(_ context.Context, conversationID uint, limit int) ([]models.Message, error) {
	if b.loadHook != nil {
		b.loadHook(conversationID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := lo.Filter(b.messages, func(m models.Message, _ int) bool { return m.ConversationID == conversationID })
	slices.SortFunc(msgs, func(x, y models.Message) int { return models.CompareMessages(&x, &y) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return lo.Map(msgs, func(m models.Message, _ int) models.Message { return m.Clone() }), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, msg models.Message) (models.Message, error) {
	if b.sendHook != nil {
		if err := b.sendHook(msg); err != nil {
			return models.Message{}, err
		}
	}

	b.mu.Lock()
	if i := slices.IndexFunc(b.messages, func(m models.Message) bool { return m.ClientID == msg.ClientID }); i >= 0 {
		existing := b.messages[i].Clone()
		b.mu.Unlock()
		return existing, nil
	}
	b.nextMsg++
	msg.ID = b.nextMsg
	msg.Delivery = ""
	b.messages = append(b.messages, msg.Clone())
	if c, ok := b.convs[msg.ConversationID]; ok && msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	b.mu.Unlock()

	b.publish(realtime.TableMessages, realtime.OpInsert, msg)
	return msg, nil
}

func (b *fakeBackend) MarkRead(_ context.Context, conversationID, userID uint, at time.Time) ([]models.Message, error) {
	b.mu.Lock()
	var updated []models.Message
	for i := range b.messages {
		m := &b.messages[i]
		if m.ConversationID == conversationID && m.ReceiverID == userID && m.ReadAt == nil {
			ts := at
			m.ReadAt = &ts
			updated = append(updated, m.Clone())
		}
	}
	b.mu.Unlock()

	for _, m := range updated {
		b.publish(realtime.TableMessages, realtime.OpUpdate, m)
	}
	return updated, nil
}

func (b *fakeBackend) GetMany(_ context.Context, userIDs []uint) (map[uint]models.Presence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint]models.Presence, len(userIDs))
	for _, id := range userIDs {
		p := b.presence[id]
		p.UserID = id
		out[id] = p
	}
	return out, nil
}

func (b *fakeBackend) Announce(_ context.Context, userID uint, online bool, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence[userID] = models.Presence{UserID: userID, IsOnline: online, LastSeen: at}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (b *fakeBackend) Subscribe(_ context.Context, handler realtime.Handler, onResync func(context.Context), filters ...realtime.Filter) (io.Closer, error) {
	if b.subscribeHook != nil {
		if err := b.subscribeHook(); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeN++
	b.nextSub++
	id := b.nextSub
	b.subs[id] = &fakeSub{handler: handler, onResync: onResync, filters: filters}
	return closerFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		return nil
	}), nil
}

func (b *fakeBackend) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeN
}

// resyncAll tells every subscriber its connection was re-established.
func (b *fakeBackend) resyncAll() {
	b.mu.Lock()
	subs := lo.Values(b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		if s.onResync != nil {
			s.onResync(context.Background())
		}
	}
}

func (b *fakeBackend) publish(table realtime.Table, op realtime.Op, record any) {
	change, err := realtime.NewChange(table, op, record)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	var targets []realtime.Handler
	for _, s := range b.subs {
		for _, f := range s.filters {
			if f.Table == table && matches(f, record) {
				targets = append(targets, s.handler)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(context.Background(), change)
	}
}

func matches(f realtime.Filter, record any) bool {
	switch r := record.(type) {
	case models.Message:
		switch f.Column {
		case "receiver_id":
			return r.ReceiverID == f.Value
		case "sender_id":
			return r.SenderID == f.Value
		}
	case models.Conversation:
		return f.Column == "participant" && r.HasParticipant(f.Value)
	}
	return false
}

// seedMessage stores a committed message without publishing it.
func (b *fakeBackend) seedMessage(convID, from, to uint, content string, at time.Time) models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextMsg++
	m := models.Message{
		ID:             b.nextMsg,
		ConversationID: convID,
		SenderID:       from,
		ReceiverID:     to,
		Content:        content,
		Type:           models.MessageTypeText,
		ClientID:       "seed-" + content,
		CreatedAt:      at,
	}
	b.messages = append(b.messages, m)
	if c, ok := b.convs[convID]; ok && at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return m
}

// seedConversation stores a conversation without publishing it.
func (b *fakeBackend) seedConversation(ids ...uint) uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextConv++
	now := b.tick()
	b.convs[b.nextConv] = &models.Conversation{
		ID:           b.nextConv,
		CreatedBy:    ids[0],
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: users(ids),
	}
	return b.nextConv
}
