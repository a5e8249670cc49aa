package messaging

import (
	"context"
	"slices"
	"sync"

	"agrolink/internal/models"

	"github.com/samber/lo"
)

// ConversationList is a snapshot of the conversations visible to the current user.
type ConversationList struct {
	Conversations []models.Conversation `json:"conversations"`
	// Stale is set when the list could not be refreshed and is the last known one.
	Stale bool `json:"stale"`
}

// ConversationStore owns the in-memory conversation collection of one session.
// Pushed updates and fetches go through the same idempotent apply methods, so
// derived fields (last message, unread ids) stay a function of the messages seen.
type ConversationStore struct {
	backend ConversationBackend
	me      uint
	reuse   bool

	mu     sync.Mutex
	convs  map[uint]*models.Conversation
	// fetchGen orders full fetches; only the latest started one is applied.
	fetchGen uint64
	// journal holds updates applied while a fetch is in flight, replayed onto its result.
	journal  []func()
	inFlight int
	// read remembers ids seen read so a late duplicate insert cannot make them unread again.
	read map[uint]struct{}
}

// NewConversationStore creates a store for userID. With reuse set, starting a
// conversation with an existing participant set returns that conversation.
func NewConversationStore(backend ConversationBackend, userID uint, reuse bool) *ConversationStore {
	return &ConversationStore{
		backend: backend,
		me:      userID,
		reuse:   reuse,
		convs:   make(map[uint]*models.Conversation),
		read:    make(map[uint]struct{}),
	}
}

// List fetches the user's conversations. On failure it returns the last known list
// flagged stale together with the error.
func (s *ConversationStore) List(ctx context.Context) (ConversationList, error) {
	if err := s.Refresh(ctx); err != nil {
		return ConversationList{Conversations: s.Snapshot(), Stale: true}, err
	}
	return ConversationList{Conversations: s.Snapshot()}, nil
}

// Refresh replaces the collection with a full fetch. Updates applied while the
// fetch was in flight are replayed on top of it.
func (s *ConversationStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.fetchGen++
	gen := s.fetchGen
	s.inFlight++
	mark := len(s.journal)
	s.mu.Unlock()

	convs, err := s.backend.ListConversations(ctx, s.me)

	s.mu.Lock()
	defer s.mu.Unlock()
	replay := slices.Clone(s.journal[mark:])
	s.inFlight--
	if s.inFlight == 0 {
		s.journal = nil
	}

	if err != nil {
		return err
	}
	if gen != s.fetchGen {
		// A newer fetch started after this one; its result wins.
		return nil
	}

	next := make(map[uint]*models.Conversation, len(convs))
	for i := range convs {
		c := convs[i].Clone()
		s.normalizeLocked(&c)
		next[c.ID] = &c
	}
	s.convs = next
	for _, apply := range replay {
		apply()
	}
	return nil
}

// Snapshot returns the conversations sorted by updated_at, newest first.
func (s *ConversationStore) Snapshot() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Get returns one conversation from memory.
func (s *ConversationStore) Get(id uint) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// Fetch loads one conversation with the current user's derived fields and stores it.
func (s *ConversationStore) Fetch(ctx context.Context, id uint) (models.Conversation, error) {
	conv, err := s.backend.GetConversation(ctx, id, s.me)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(s.me) {
		return models.Conversation{}, models.NewForbiddenError("not a participant of this conversation")
	}
	s.ApplyConversation(*conv)
	c, _ := s.Get(id)
	return c, nil
}

// Start returns a conversation between the current user and participantIDs,
// creating one unless reuse is on and one with exactly that set exists.
func (s *ConversationStore) Start(ctx context.Context, participantIDs []uint) (uint, error) {
	others := lo.Uniq(lo.Filter(participantIDs, func(id uint, _ int) bool { return id != 0 && id != s.me }))
	if len(others) == 0 {
		return 0, ErrInvalidParticipants
	}
	set := append([]uint{s.me}, others...)
	slices.Sort(set)

	if s.reuse {
		found, err := s.backend.FindConversation(ctx, set)
		switch {
		case err == nil:
			conv, err := s.Fetch(ctx, found.ID)
			if err != nil {
				return 0, err
			}
			return conv.ID, nil
		case models.HasCode(err, models.CodeNotFound):
		default:
			return 0, err
		}
	}

	conv, err := s.backend.CreateConversation(ctx, s.me, set)
	if err != nil {
		return 0, err
	}
	s.ApplyConversation(*conv)
	return conv.ID, nil
}

// ApplyConversation upserts a conversation row. Rows pushed by the change feed carry
// no derived fields; those already known are kept.
func (s *ConversationStore) ApplyConversation(conv models.Conversation) {
	s.record(func() { s.applyConversationLocked(conv) })
}

// ApplyMessage folds a committed message into its conversation's derived fields.
// It reports false when the conversation is not known yet.
func (s *ConversationStore) ApplyMessage(msg models.Message) bool {
	if msg.ID == 0 {
		return true
	}
	var known bool
	s.record(func() { known = s.applyMessageLocked(msg) })
	return known
}

// ApplyRead clears read messages from the unread sets.
func (s *ConversationStore) ApplyRead(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	s.record(func() {
		for _, m := range msgs {
			s.applyMessageLocked(m)
		}
	})
}

// record applies fn now and, while fetches are in flight, keeps it for replay.
func (s *ConversationStore) record(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	if s.inFlight > 0 {
		s.journal = append(s.journal, fn)
	}
}

func (s *ConversationStore) applyConversationLocked(in models.Conversation) {
	existing, ok := s.convs[in.ID]
	if !ok {
		c := in.Clone()
		s.normalizeLocked(&c)
		s.convs[c.ID] = &c
		return
	}

	if len(in.Participants) > 0 {
		existing.Participants = slices.Clone(in.Participants)
	}
	if in.UpdatedAt.After(existing.UpdatedAt) {
		existing.UpdatedAt = in.UpdatedAt
	}
	if in.LastMessage != nil {
		s.applyMessageLocked(*in.LastMessage)
	}
	for _, id := range in.UnreadIDs {
		if !slices.Contains(existing.UnreadIDs, id) {
			existing.UnreadIDs = append(existing.UnreadIDs, id)
		}
	}
	s.normalizeLocked(existing)
}

func (s *ConversationStore) applyMessageLocked(msg models.Message) bool {
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return false
	}

	if conv.LastMessage == nil || models.CompareMessages(&msg, conv.LastMessage) > 0 {
		m := msg.Clone()
		conv.LastMessage = &m
	}
	if conv.LastMessage.ID == msg.ID {
		conv.LastMessage.ReadAt = models.MergeReadAt(conv.LastMessage.ReadAt, msg.ReadAt)
	}

	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}

	if msg.ReceiverID == s.me {
		switch {
		case msg.ReadAt != nil:
			s.read[msg.ID] = struct{}{}
		case !slices.Contains(conv.UnreadIDs, msg.ID):
			conv.UnreadIDs = append(conv.UnreadIDs, msg.ID)
		}
	}
	s.normalizeLocked(conv)
	return true
}

// normalizeLocked drops ids known to be read, sorts UnreadIDs and keeps
// UnreadCount equal to its length.
func (s *ConversationStore) normalizeLocked(c *models.Conversation) {
	c.UnreadIDs = lo.Filter(c.UnreadIDs, func(id uint, _ int) bool {
		_, read := s.read[id]
		return !read
	})
	slices.Sort(c.UnreadIDs)
	c.UnreadIDs = slices.Compact(c.UnreadIDs)
	c.UnreadCount = len(c.UnreadIDs)
}
