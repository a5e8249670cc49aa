package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"agrolink/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// SendInput is what a user sends to the active conversation. Type defaults to text.
type SendInput struct {
	ReceiverID uint   `json:"receiver_id" validate:"required"`
	Content    string `json:"content" validate:"max=4000"`
	Type       string `json:"message_type" validate:"omitempty,oneof=text image file"`
	FileURL    string `json:"file_url" validate:"omitempty,url"`
}

// MessageLog owns the ordered messages of the open conversation. Entries are
// ordered by (created_at, id, client_id) whatever order they arrive in, and are
// deduplicated by id and by client id.
type MessageLog struct {
	backend  MessageBackend
	me       uint
	pageSize int
	now      func() time.Time

	mu             sync.Mutex
	conversationID uint
	participants   []uint
	gen            uint64
	messages       []*models.Message
	lastStamp      time.Time
}

// NewMessageLog creates an empty log for userID.
func NewMessageLog(backend MessageBackend, userID uint, pageSize int) *MessageLog {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &MessageLog{
		backend:  backend,
		me:       userID,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// ConversationID is the open conversation, 0 when none.
func (l *MessageLog) ConversationID() uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// Messages returns a copy of the log in display order.
func (l *MessageLog) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Begin makes conversationID the open conversation and returns the token of the
// load that follows. Every load begun earlier is superseded from here on. The
// previous conversation's messages are dropped at once; 0 closes the log.
func (l *MessageLog) Begin(conversationID uint) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	if conversationID != l.conversationID {
		l.messages = nil
		l.participants = nil
	}
	l.conversationID = conversationID
	return l.gen
}

// Active reports whether token belongs to the latest Begin.
func (l *MessageLog) Active(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return token == l.gen
}

// Abort closes the log if token is still the latest Begin.
func (l *MessageLog) Abort(token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token == l.gen {
		l.conversationID = 0
		l.participants = nil
		l.messages = nil
	}
}

// Load opens conversationID and fetches its history. A response that arrives
// after another load has begun is discarded with ErrSuperseded. Loading 0 closes
// the log.
func (l *MessageLog) Load(ctx context.Context, conversationID uint, participants []uint) ([]models.Message, error) {
	return l.LoadFor(ctx, l.Begin(conversationID), participants)
}

// LoadFor fetches the history of the conversation opened by the Begin that
// returned token.
func (l *MessageLog) LoadFor(ctx context.Context, token uint64, participants []uint) ([]models.Message, error) {
	l.mu.Lock()
	if token != l.gen {
		l.mu.Unlock()
		return nil, ErrSuperseded
	}
	conversationID := l.conversationID
	l.participants = slices.Clone(participants)
	l.mu.Unlock()

	if conversationID == 0 {
		return nil, nil
	}
	return l.fetch(ctx, token, conversationID)
}

// Reload re-fetches the open conversation's history without superseding a load
// in flight. It returns ErrSuperseded when the user switched meanwhile.
func (l *MessageLog) Reload(ctx context.Context) ([]models.Message, error) {
	l.mu.Lock()
	token, conversationID := l.gen, l.conversationID
	l.mu.Unlock()

	if conversationID == 0 {
		return nil, nil
	}
	return l.fetch(ctx, token, conversationID)
}

func (l *MessageLog) fetch(ctx context.Context, token uint64, conversationID uint) ([]models.Message, error) {
	history, err := l.backend.LoadMessages(ctx, conversationID, l.pageSize)

	l.mu.Lock()
	defer l.mu.Unlock()
	if token != l.gen || conversationID != l.conversationID {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	// Sends and pushes that landed during the fetch are already in the log.
	for i := range history {
		history[i].Delivery = models.DeliverySent
		l.upsertLocked(history[i])
	}
	return l.snapshotLocked(), nil
}

// Send validates in, appends an optimistic pending entry and persists it. On
// failure the entry stays in the log marked failed and the error is returned.
func (l *MessageLog) Send(ctx context.Context, in SendInput) (models.Message, error) {
	if err := validate.Struct(in); err != nil {
		return models.Message{}, models.NewValidationError(err.Error())
	}
	msgType, err := models.ParseMessageType(in.Type)
	if err != nil {
		return models.Message{}, err
	}

	l.mu.Lock()
	if l.conversationID == 0 {
		l.mu.Unlock()
		return models.Message{}, ErrNoActiveConversation
	}
	if in.ReceiverID == l.me || !slices.Contains(l.participants, in.ReceiverID) {
		l.mu.Unlock()
		return models.Message{}, ErrNotParticipant
	}

	msg := models.Message{
		ConversationID: l.conversationID,
		SenderID:       l.me,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		Type:           msgType,
		ClientID:       uuid.NewString(),
		Delivery:       models.DeliveryPending,
	}
	if in.FileURL != "" {
		u := in.FileURL
		msg.FileURL = &u
	}
	if _, err := msg.Body(); err != nil {
		l.mu.Unlock()
		return models.Message{}, err
	}
	msg.CreatedAt = l.nextStampLocked()
	l.upsertLocked(msg)
	l.mu.Unlock()

	return l.persist(ctx, msg)
}

// Retry re-sends a failed entry with its original client id and timestamp, so a
// write that did land is not duplicated.
func (l *MessageLog) Retry(ctx context.Context, clientID string) (models.Message, error) {
	l.mu.Lock()
	i := l.indexByClientIDLocked(clientID)
	if i < 0 {
		l.mu.Unlock()
		return models.Message{}, models.NewNotFoundError("Message", clientID)
	}
	if l.messages[i].Delivery != models.DeliveryFailed {
		l.mu.Unlock()
		return models.Message{}, ErrNotFailed
	}
	l.messages[i].Delivery = models.DeliveryPending
	msg := l.messages[i].Clone()
	l.mu.Unlock()

	return l.persist(ctx, msg)
}

// Discard removes a failed entry.
func (l *MessageLog) Discard(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexByClientIDLocked(clientID)
	if i < 0 {
		return models.NewNotFoundError("Message", clientID)
	}
	if l.messages[i].Delivery != models.DeliveryFailed {
		return ErrNotFailed
	}
	l.messages = slices.Delete(l.messages, i, i+1)
	return nil
}

func (l *MessageLog) persist(ctx context.Context, msg models.Message) (models.Message, error) {
	saved, err := l.backend.SendMessage(ctx, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if i := l.indexByClientIDLocked(msg.ClientID); i >= 0 && l.messages[i].ID == 0 {
			l.messages[i].Delivery = models.DeliveryFailed
		}
		msg.Delivery = models.DeliveryFailed
		return msg, err
	}

	saved.Delivery = models.DeliverySent
	if saved.ConversationID == l.conversationID {
		l.upsertLocked(saved)
	}
	return saved, nil
}

// MarkRead stamps read_at on the current user's unread messages in the
// conversation and applies the result. Calling it again changes nothing.
func (l *MessageLog) MarkRead(ctx context.Context, conversationID uint) ([]models.Message, error) {
	updated, err := l.backend.MarkRead(ctx, conversationID, l.me, l.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if conversationID == l.conversationID {
		for _, m := range updated {
			m.Delivery = models.DeliverySent
			l.upsertLocked(m)
		}
	}
	return updated, nil
}

// Apply merges a committed message pushed by the change feed. It reports whether
// the log changed; messages of other conversations are ignored.
func (l *MessageLog) Apply(msg models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.ConversationID == 0 || msg.ConversationID != l.conversationID {
		return false
	}
	if msg.ID != 0 {
		msg.Delivery = models.DeliverySent
	}
	return l.upsertLocked(msg)
}

// upsertLocked inserts msg or merges it into the entry with the same id or client
// id, then restores display order. It reports whether anything visible changed.
func (l *MessageLog) upsertLocked(msg models.Message) bool {
	i := slices.IndexFunc(l.messages, func(m *models.Message) bool {
		return (msg.ID != 0 && m.ID == msg.ID) || (msg.ClientID != "" && m.ClientID == msg.ClientID)
	})

	if i < 0 {
		m := msg.Clone()
		pos, _ := slices.BinarySearchFunc(l.messages, &m, models.CompareMessages)
		l.messages = slices.Insert(l.messages, pos, &m)
		return true
	}

	cur := l.messages[i]
	merged := msg.Clone()
	merged.ReadAt = models.MergeReadAt(cur.ReadAt, msg.ReadAt)
	if merged.ID == 0 {
		merged.ID = cur.ID
	}
	if cur.ID != 0 {
		// A committed entry never goes back to pending or failed.
		merged.Delivery = models.DeliverySent
	}

	changed := cur.ID != merged.ID ||
		cur.Delivery != merged.Delivery ||
		!cur.CreatedAt.Equal(merged.CreatedAt) ||
		(cur.ReadAt == nil) != (merged.ReadAt == nil)
	if !changed {
		return false
	}
	l.messages[i] = &merged
	slices.SortStableFunc(l.messages, models.CompareMessages)
	return true
}

// nextStampLocked returns a created_at strictly after every earlier local stamp
// and every message in the log, so sends keep call order once persisted.
func (l *MessageLog) nextStampLocked() time.Time {
	t := l.now().UTC().Truncate(time.Microsecond)
	floor := l.lastStamp
	if n := len(l.messages); n > 0 && l.messages[n-1].CreatedAt.After(floor) {
		floor = l.messages[n-1].CreatedAt
	}
	if !t.After(floor) {
		t = floor.Add(time.Microsecond)
	}
	l.lastStamp = t
	return t
}

func (l *MessageLog) indexByClientIDLocked(clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(l.messages, func(m *models.Message) bool { return m.ClientID == clientID })
}

func (l *MessageLog) snapshotLocked() []models.Message {
	out := make([]models.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.Clone()
	}
	return out
}
