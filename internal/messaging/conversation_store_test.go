package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"agrolink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(convs []models.Conversation) []uint {
	out := make([]uint, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestConversationStore_ListSortedByActivity(t *testing.T) {
	backend := newFakeBackend()
	older := backend.seedConversation(alice, bob)
	newer := backend.seedConversation(alice, carol)
	unrelated := backend.seedConversation(bob, carol)
	backend.seedMessage(older, bob, alice, "latest", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	store := NewConversationStore(backend, alice, true)
	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.False(t, list.Stale)
	assert.Equal(t, []uint{older, newer}, ids(list.Conversations))
	assert.NotContains(t, ids(list.Conversations), unrelated)

	first := list.Conversations[0]
	require.NotNil(t, first.LastMessage)
	assert.Equal(t, "latest", first.LastMessage.Content)
	assert.Equal(t, 1, first.UnreadCount)
}

func TestConversationStore_FailsSoft(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	store := NewConversationStore(backend, alice, true)

	_, err := store.List(context.Background())
	require.NoError(t, err)

	backend.listErr = models.NewTransportError("list_conversations", errors.New("timeout"))
	list, err := store.List(context.Background())
	require.Error(t, err)
	assert.True(t, list.Stale)
	assert.Equal(t, []uint{conv}, ids(list.Conversations), "last known list is returned")
}

func TestConversationStore_StartReusesExactSet(t *testing.T) {
	backend := newFakeBackend()
	store := NewConversationStore(backend, alice, true)
	ctx := context.Background()

	first, err := store.Start(ctx, []uint{bob})
	require.NoError(t, err)
	again, err := store.Start(ctx, []uint{bob, alice, bob})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	group, err := store.Start(ctx, []uint{bob, carol})
	require.NoError(t, err)
	assert.NotEqual(t, first, group, "a different participant set is a different conversation")

	conv, ok := store.Get(first)
	require.True(t, ok)
	assert.Equal(t, []uint{alice, bob}, conv.ParticipantIDs())
}

func TestConversationStore_StartWithoutReuse(t *testing.T) {
	backend := newFakeBackend()
	store := NewConversationStore(backend, alice, false)
	ctx := context.Background()

	first, err := store.Start(ctx, []uint{bob})
	require.NoError(t, err)
	second, err := store.Start(ctx, []uint{bob})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestConversationStore_StartValidation(t *testing.T) {
	store := NewConversationStore(newFakeBackend(), alice, true)
	for _, in := range [][]uint{nil, {}, {alice}, {0, alice}} {
		_, err := store.Start(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidParticipants, "%v", in)
	}
}

func TestConversationStore_DerivedFields(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	store := NewConversationStore(backend, alice, true)
	require.NoError(t, store.Refresh(context.Background()))

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	m1 := models.Message{ID: 10, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "one", Type: models.MessageTypeText, CreatedAt: base}
	m2 := models.Message{ID: 11, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "two", Type: models.MessageTypeText, CreatedAt: base.Add(time.Second)}
	mine := models.Message{ID: 12, ConversationID: conv, SenderID: alice, ReceiverID: bob, Content: "mine", Type: models.MessageTypeText, CreatedAt: base.Add(-time.Hour)}

	assert.True(t, store.ApplyMessage(m2))
	assert.True(t, store.ApplyMessage(m1))
	assert.True(t, store.ApplyMessage(m1), "duplicates are absorbed")
	assert.True(t, store.ApplyMessage(mine))

	got, _ := store.Get(conv)
	assert.Equal(t, "two", got.LastMessage.Content, "an older arrival does not replace the preview")
	assert.Equal(t, []uint{10, 11}, got.UnreadIDs)
	assert.Equal(t, 2, got.UnreadCount)
	assert.True(t, got.UpdatedAt.Equal(m2.CreatedAt))

	readAt := base.Add(time.Minute)
	m1.ReadAt, m2.ReadAt = &readAt, &readAt
	store.ApplyRead([]models.Message{m1, m2})

	got, _ = store.Get(conv)
	assert.Empty(t, got.UnreadIDs)
	assert.Zero(t, got.UnreadCount)
	require.NotNil(t, got.LastMessage.ReadAt)

	// A duplicate insert delivered after the read does not resurrect it.
	m1.ReadAt = nil
	store.ApplyMessage(m1)
	got, _ = store.Get(conv)
	assert.Zero(t, got.UnreadCount)

	assert.False(t, store.ApplyMessage(models.Message{ID: 99, ConversationID: conv + 50, CreatedAt: base}))
}

func TestConversationStore_RefreshReplaysConcurrentUpdates(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	store := NewConversationStore(backend, alice, true)
	require.NoError(t, store.Refresh(context.Background()))

	// A message pushed while a refresh is in flight, absent from its snapshot.
	pushed := models.Message{ID: 500, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "pushed", Type: models.MessageTypeText, CreatedAt: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}

	inFlight := make(chan struct{})
	proceed := make(chan struct{})
	blocking := &blockingList{fakeBackend: backend, entered: inFlight, proceed: proceed}
	store.backend = blocking

	done := make(chan error)
	go func() { done <- store.Refresh(context.Background()) }()
	<-inFlight
	store.ApplyMessage(pushed)
	close(proceed)
	require.NoError(t, <-done)

	got, ok := store.Get(conv)
	require.True(t, ok)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "pushed", got.LastMessage.Content)
	assert.Equal(t, []uint{500}, got.UnreadIDs)
}

type blockingList struct {
	*fakeBackend
	entered chan struct{}
	proceed chan struct{}
}

func (b *blockingList) ListConversations(ctx context.Context, userID uint) ([]models.Conversation, error) {
	convs, err := b.fakeBackend.ListConversations(ctx, userID)
	close(b.entered)
	<-b.proceed
	return convs, err
}
