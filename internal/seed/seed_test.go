package seed

import (
	"context"
	"testing"

	"agrolink/internal/models"
	"agrolink/internal/repository"
	"agrolink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeeder_Run(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	res, err := NewSeeder(db, 7).Run(ctx, Options{Farmers: 3, Agronomists: 2, MessagesPerConversation: 4})
	require.NoError(t, err)
	assert.Len(t, res.Farmers, 3)
	assert.Len(t, res.Agronomists, 2)
	assert.Len(t, res.Conversations, 3)
	assert.Equal(t, 12, res.Messages)

	for _, f := range res.Farmers {
		assert.Equal(t, models.RoleFarmer, f.Role)
		assert.NotEmpty(t, f.DisplayName())
	}

	chats := repository.NewChatRepository(db)
	farmer := res.Farmers[0]
	convs, err := chats.GetUserConversations(ctx, farmer.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount, "the last answer is left unread")
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, farmer.ID, convs[0].LastMessage.ReceiverID)

	// Agronomists are assigned round-robin.
	agronomistConvs, err := chats.GetUserConversations(ctx, res.Agronomists[0].ID)
	require.NoError(t, err)
	assert.Len(t, agronomistConvs, 2)
}

func TestSeeder_CleanAndValidation(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()
	s := NewSeeder(db, 1)

	_, err := s.Run(ctx, Options{Farmers: 2, Agronomists: 1, MessagesPerConversation: 2})
	require.NoError(t, err)

	_, err = s.Run(ctx, Options{Farmers: 1, Agronomists: 1, MessagesPerConversation: 1, ShouldClean: true})
	require.NoError(t, err)

	var profiles int64
	require.NoError(t, db.Model(&models.User{}).Count(&profiles).Error)
	assert.Equal(t, int64(2), profiles)

	_, err = s.Run(ctx, Options{Farmers: 1})
	assert.Error(t, err)
}
