package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice uint = 1
	bob   uint = 2
	carol uint = 3
)

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestMessageLog_OrderIsIndependentOfArrival(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	arrivals := []models.Message{
		{ID: 3, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "c", Type: models.MessageTypeText, CreatedAt: base.Add(time.Second)},
		{ID: 5, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "e", Type: models.MessageTypeText, CreatedAt: base.Add(2 * time.Second)},
		{ID: 1, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "a", Type: models.MessageTypeText, CreatedAt: base},
		{ID: 4, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "d", Type: models.MessageTypeText, CreatedAt: base.Add(time.Second)},
		{ID: 2, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "b", Type: models.MessageTypeText, CreatedAt: base},
	}
	for _, m := range arrivals {
		assert.True(t, log.Apply(m))
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, contents(log.Messages()))
}

func TestMessageLog_ApplyDeduplicates(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	msg := models.Message{ID: 7, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "hi", Type: models.MessageTypeText, CreatedAt: time.Now()}
	assert.True(t, log.Apply(msg))
	assert.False(t, log.Apply(msg), "redelivery changes nothing")
	assert.Len(t, log.Messages(), 1)

	other := msg
	other.ID = 8
	other.ConversationID = conv + 100
	assert.False(t, log.Apply(other), "other conversations are ignored")
	assert.Len(t, log.Messages(), 1)
}

func TestMessageLog_ReadAtIsMonotonic(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	readAt := time.Now().UTC()
	msg := models.Message{ID: 7, ConversationID: conv, SenderID: bob, ReceiverID: alice, Content: "hi", Type: models.MessageTypeText, CreatedAt: readAt.Add(-time.Minute)}
	read := msg
	read.ReadAt = &readAt

	require.True(t, log.Apply(read))
	assert.False(t, log.Apply(msg), "a late unread copy does not clear read_at")
	require.NotNil(t, log.Messages()[0].ReadAt)
	assert.True(t, readAt.Equal(*log.Messages()[0].ReadAt))
}

func TestMessageLog_SendEchoDoesNotDuplicate(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	// The committed row is echoed before the write call returns.
	sub, err := backend.Subscribe(context.Background(), func(_ context.Context, ch realtime.Change) {
		var m models.Message
		require.NoError(t, ch.Decode(&m))
		log.Apply(m)
	}, nil, realtime.MessagesFrom(alice))
	require.NoError(t, err)
	defer sub.Close()

	sent, err := log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "Hello"})
	require.NoError(t, err)
	assert.NotZero(t, sent.ID)
	assert.Equal(t, models.DeliverySent, sent.Delivery)

	msgs := log.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, models.DeliverySent, msgs[0].Delivery)

	// A late redelivery of the same row is still a no-op.
	assert.False(t, log.Apply(msgs[0]))
	assert.Len(t, log.Messages(), 1)
}

func TestMessageLog_SwitchingDiscardsLateHistory(t *testing.T) {
	backend := newFakeBackend()
	convA := backend.seedConversation(alice, bob)
	convB := backend.seedConversation(alice, carol)
	backend.seedMessage(convA, bob, alice, "from A", time.Now())
	backend.seedMessage(convB, carol, alice, "from B", time.Now())

	release := make(chan struct{})
	started := make(chan struct{})
	backend.loadHook = func(id uint) {
		if id == convA {
			close(started)
			<-release
		}
	}

	log := NewMessageLog(backend, alice, 50)
	var wg sync.WaitGroup
	var errA error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errA = log.Load(context.Background(), convA, []uint{alice, bob})
	}()
	<-started

	msgsB, err := log.Load(context.Background(), convB, []uint{alice, carol})
	require.NoError(t, err)
	assert.Equal(t, []string{"from B"}, contents(msgsB))

	close(release)
	wg.Wait()

	assert.ErrorIs(t, errA, ErrSuperseded)
	assert.Equal(t, convB, log.ConversationID())
	assert.Equal(t, []string{"from B"}, contents(log.Messages()))
}

func TestMessageLog_SendValidation(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	sends := 0
	backend.sendHook = func(models.Message) error { sends++; return nil }
	log := NewMessageLog(backend, alice, 50)

	_, err := log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "early"})
	assert.ErrorIs(t, err, ErrNoActiveConversation)

	_, err = log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   SendInput
		code string
	}{
		{"non participant", SendInput{ReceiverID: carol, Content: "hi"}, models.CodeValidation},
		{"self", SendInput{ReceiverID: alice, Content: "hi"}, models.CodeValidation},
		{"missing receiver", SendInput{Content: "hi"}, models.CodeValidation},
		{"empty text", SendInput{ReceiverID: bob, Content: "  "}, models.CodeValidation},
		{"image without url", SendInput{ReceiverID: bob, Type: "image"}, models.CodeValidation},
		{"unknown type", SendInput{ReceiverID: bob, Type: "video", FileURL: "https://cdn.test/v.mp4"}, models.CodeValidation},
		{"bad url", SendInput{ReceiverID: bob, Type: "file", FileURL: "not a url"}, models.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := log.Send(context.Background(), tt.in)
			assert.True(t, models.HasCode(err, tt.code), "got %v", err)
		})
	}

	assert.Zero(t, sends, "validation happens before any network call")
	assert.Empty(t, log.Messages())
}

func TestMessageLog_FailedSendRetryAndDiscard(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	offline := errors.New("network unreachable")
	backend.sendHook = func(models.Message) error { return offline }

	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	failed, err := log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "first"})
	require.ErrorIs(t, err, offline)
	assert.Equal(t, models.DeliveryFailed, failed.Delivery)
	require.Len(t, log.Messages(), 1)
	assert.Equal(t, models.DeliveryFailed, log.Messages()[0].Delivery)

	_, err = log.Retry(context.Background(), failed.ClientID)
	require.ErrorIs(t, err, offline)

	backend.sendHook = nil
	sent, err := log.Retry(context.Background(), failed.ClientID)
	require.NoError(t, err)
	assert.Equal(t, failed.ClientID, sent.ClientID)
	assert.True(t, failed.CreatedAt.Equal(sent.CreatedAt))
	assert.Len(t, log.Messages(), 1)

	_, err = log.Retry(context.Background(), failed.ClientID)
	assert.ErrorIs(t, err, ErrNotFailed)
	assert.ErrorIs(t, log.Discard(failed.ClientID), ErrNotFailed)

	backend.sendHook = func(models.Message) error { return offline }
	second, err := log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "second"})
	require.Error(t, err)
	require.NoError(t, log.Discard(second.ClientID))
	assert.Equal(t, []string{"first"}, contents(log.Messages()))
	assert.True(t, models.HasCode(log.Discard("missing"), models.CodeNotFound))
}

func TestMessageLog_RapidSendsKeepCallOrder(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)

	firstIn := make(chan struct{})
	releaseFirst := make(chan struct{})
	backend.sendHook = func(m models.Message) error {
		if m.Content == "one" {
			close(firstIn)
			<-releaseFirst
		}
		return nil
	}

	log := NewMessageLog(backend, alice, 50)
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return frozen }
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var first models.Message
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		first, err = log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "one"})
		assert.NoError(t, err)
	}()
	<-firstIn

	second, err := log.Send(context.Background(), SendInput{ReceiverID: bob, Content: "two"})
	require.NoError(t, err)
	close(releaseFirst)
	wg.Wait()

	assert.True(t, first.CreatedAt.Before(second.CreatedAt), "stamps follow call order even with a frozen clock")
	assert.Greater(t, first.ID, second.ID, "the second write committed first")
	assert.Equal(t, []string{"one", "two"}, contents(log.Messages()))

	stored, err := backend.LoadMessages(context.Background(), conv, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, contents(stored))
}

func TestMessageLog_MarkReadIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	now := time.Now().UTC()
	backend.seedMessage(conv, bob, alice, "one", now.Add(-2*time.Minute))
	backend.seedMessage(conv, bob, alice, "two", now.Add(-time.Minute))
	backend.seedMessage(conv, alice, bob, "mine", now)

	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), conv, []uint{alice, bob})
	require.NoError(t, err)

	first, err := log.MarkRead(context.Background(), conv)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	snapshot := log.Messages()
	second, err := log.MarkRead(context.Background(), conv)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, snapshot, log.Messages())

	for _, m := range log.Messages() {
		assert.Equal(t, m.ReceiverID == alice, m.ReadAt != nil, m.Content)
	}
}

func TestMessageLog_ReloadYieldsToSwitch(t *testing.T) {
	backend := newFakeBackend()
	convA := backend.seedConversation(alice, bob)
	convB := backend.seedConversation(alice, carol)
	backend.seedMessage(convA, bob, alice, "from A", time.Now())
	backend.seedMessage(convB, carol, alice, "from B", time.Now())

	log := NewMessageLog(backend, alice, 50)
	_, err := log.Load(context.Background(), convA, []uint{alice, bob})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.loadHook = func(id uint) {
		if id == convA {
			close(started)
			<-release
		}
	}

	var reloadErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, reloadErr = log.Reload(context.Background())
	}()
	<-started

	_, err = log.Load(context.Background(), convB, []uint{alice, carol})
	require.NoError(t, err)
	close(release)
	<-done

	assert.ErrorIs(t, reloadErr, ErrSuperseded)
	assert.Equal(t, convB, log.ConversationID())
	msgs := log.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from B", msgs[0].Content)
}

func TestMessageLog_AbortClosesOnlyLatest(t *testing.T) {
	backend := newFakeBackend()
	conv := backend.seedConversation(alice, bob)
	log := NewMessageLog(backend, alice, 50)

	stale := log.Begin(conv)
	latest := log.Begin(conv)
	assert.False(t, log.Active(stale))

	log.Abort(stale)
	assert.Equal(t, conv, log.ConversationID())

	_, err := log.LoadFor(context.Background(), stale, []uint{alice, bob})
	assert.ErrorIs(t, err, ErrSuperseded)

	log.Abort(latest)
	assert.Zero(t, log.ConversationID())
}
