// Package repository implements gorm-backed access to profiles, conversations,
// messages and notifications.
package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for chat data operations
type ChatRepository interface {
	CreateConversation(ctx context.Context, createdBy uint, participantIDs []uint) (*models.Conversation, error)
	FindConversationByParticipants(ctx context.Context, participantIDs []uint) (*models.Conversation, error)
	GetConversation(ctx context.Context, id, viewerID uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	IsParticipant(ctx context.Context, convID, userID uint) (bool, error)
	CreateMessage(ctx context.Context, msg *models.Message) (created bool, err error)
	GetMessages(ctx context.Context, convID uint, limit int) ([]*models.Message, error)
	MarkConversationRead(ctx context.Context, convID, userID uint, at time.Time) ([]*models.Message, error)
}

// chatRepository implements ChatRepository
type chatRepository struct {
	db  *gorm.DB
	log *observability.RepoLogger
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, log: observability.NewRepoLogger("messages")}
}

func (r *chatRepository) CreateConversation(ctx context.Context, createdBy uint, participantIDs []uint) (*models.Conversation, error) {
	ids := lo.Uniq(participantIDs)
	conv := &models.Conversation{CreatedBy: createdBy}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(conv).Error; err != nil {
			return err
		}
		rows := lo.Map(ids, func(id uint, _ int) models.ConversationParticipant {
			return models.ConversationParticipant{ConversationID: conv.ID, UserID: id}
		})
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "create_conversation")
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	r.log.LogCreate(ctx, map[string]any{"conversation_id": conv.ID, "participants": ids})

	return r.GetConversation(ctx, conv.ID, createdBy)
}

// FindConversationByParticipants returns the most recently updated conversation whose
// participant set equals participantIDs exactly.
func (r *chatRepository) FindConversationByParticipants(ctx context.Context, participantIDs []uint) (*models.Conversation, error) {
	ids := lo.Uniq(participantIDs)
	if len(ids) == 0 {
		return nil, models.NewValidationError("participant set cannot be empty")
	}

	exact := r.db.Model(&models.ConversationParticipant{}).
		Select("conversation_id").
		Group("conversation_id").
		Having("COUNT(*) = ? AND SUM(CASE WHEN user_id IN ? THEN 1 ELSE 0 END) = ?", len(ids), ids, len(ids))

	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("id IN (?)", exact).
		Order("updated_at DESC, id DESC").
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("Conversation", models.ParticipantKey(ids))
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetConversation(ctx context.Context, id, viewerID uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("Conversation", id)
	}
	if err != nil {
		return nil, err
	}

	convs := []*models.Conversation{&conv}
	if err := r.decorate(ctx, convs, viewerID); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_id = ?", userID).
		Preload("Participants").
		Order("conversations.updated_at DESC, conversations.id DESC").
		Find(&conversations).Error
	if err != nil {
		r.log.LogError(ctx, err, "list_conversations")
		return nil, err
	}

	if err := r.decorate(ctx, conversations, userID); err != nil {
		return nil, err
	}
	r.log.LogRead(ctx, map[string]any{"user_id": userID, "count": len(conversations)})
	return conversations, nil
}

// decorate fills the last message and the viewer's unread ids of each conversation.
func (r *chatRepository) decorate(ctx context.Context, convs []*models.Conversation, viewerID uint) error {
	if len(convs) == 0 {
		return nil
	}
	ids := lo.Map(convs, func(c *models.Conversation, _ int) uint { return c.ID })

	var lastIDs []uint
	err := r.db.WithContext(ctx).Raw(`
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (
				PARTITION BY conversation_id ORDER BY created_at DESC, id DESC
			) AS rn
			FROM messages WHERE conversation_id IN ?
		) ranked WHERE rn = 1`, ids).
		Scan(&lastIDs).Error
	if err != nil {
		return fmt.Errorf("load last messages: %w", err)
	}

	var last []models.Message
	if len(lastIDs) > 0 {
		if err := r.db.WithContext(ctx).Where("id IN ?", lastIDs).Find(&last).Error; err != nil {
			return fmt.Errorf("load last messages: %w", err)
		}
	}
	lastByConv := lo.SliceToMap(last, func(m models.Message) (uint, models.Message) {
		return m.ConversationID, m
	})

	var unread []models.Message
	err = r.db.WithContext(ctx).
		Select("id", "conversation_id").
		Where("conversation_id IN ? AND receiver_id = ? AND read_at IS NULL", ids, viewerID).
		Order("created_at ASC, id ASC").
		Find(&unread).Error
	if err != nil {
		return fmt.Errorf("load unread messages: %w", err)
	}
	unreadByConv := lo.GroupBy(unread, func(m models.Message) uint { return m.ConversationID })

	for _, c := range convs {
		if m, ok := lastByConv[c.ID]; ok {
			c.LastMessage = &m
		}
		c.UnreadIDs = lo.Map(unreadByConv[c.ID], func(m models.Message, _ int) uint { return m.ID })
		c.UnreadCount = len(c.UnreadIDs)
	}
	return nil
}

func (r *chatRepository) IsParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	return count > 0, err
}

// CreateMessage inserts msg unless a row with the same client id exists, in which case
// msg is overwritten with the stored row and created is false. A new row also moves
// the conversation's updated_at forward.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) (bool, error) {
	var created bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}},
			DoNothing: true,
		}).Create(msg)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			var existing models.Message
			if err := tx.Where("client_id = ?", msg.ClientID).First(&existing).Error; err != nil {
				return err
			}
			*msg = existing
			return nil
		}

		created = true
		return tx.Model(&models.Conversation{}).
			Where("id = ? AND updated_at < ?", msg.ConversationID, msg.CreatedAt).
			UpdateColumn("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "create_message")
		return false, err
	}
	if created {
		r.log.LogCreate(ctx, map[string]any{"message_id": msg.ID, "conversation_id": msg.ConversationID})
	}
	return created, nil
}

// GetMessages returns the latest limit messages of a conversation, oldest first.
func (r *chatRepository) GetMessages(ctx context.Context, convID uint, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched newest first to apply the limit, callers want oldest first.
	slices.Reverse(messages)

	return messages, nil
}

// MarkConversationRead stamps read_at on the user's unread messages in the conversation
// and returns the rows it changed. Rows that already carry read_at are left alone.
func (r *chatRepository) MarkConversationRead(ctx context.Context, convID, userID uint, at time.Time) ([]*models.Message, error) {
	var updated []*models.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND receiver_id = ? AND read_at IS NULL", convID, userID).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		err = tx.Model(&models.Message{}).
			Where("id IN ? AND read_at IS NULL", ids).
			UpdateColumn("read_at", at).Error
		if err != nil {
			return err
		}

		return tx.Where("id IN ?", ids).Order("created_at ASC, id ASC").Find(&updated).Error
	})
	if err != nil {
		r.log.LogError(ctx, err, "mark_read")
		return nil, err
	}
	if len(updated) > 0 {
		r.log.LogUpdate(ctx, map[string]any{"conversation_id": convID, "user_id": userID, "marked": len(updated)})
	}
	return updated, nil
}
