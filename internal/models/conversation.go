package models

import (
	"slices"
	"strconv"
	"strings"
	"time"
)

// Conversation is a durable thread between two or more users.
// Conversations are never hard-deleted.
type Conversation struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedBy    uint      `gorm:"not null;index" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `gorm:"index" json:"updated_at"`
	Participants []User    `gorm:"many2many:conversation_participants;" json:"participants,omitempty"`

	// Derived for the viewing user, never persisted.
	LastMessage *Message `gorm:"-" json:"last_message,omitempty"`
	UnreadCount int      `gorm:"-" json:"unread_count"`
	UnreadIDs   []uint   `gorm:"-" json:"-"`
}

// ConversationParticipant tracks user participation in conversations.
// This is the join table that GORM uses for the many2many relationship.
type ConversationParticipant struct {
	ConversationID uint      `gorm:"primaryKey" json:"conversation_id"`
	UserID         uint      `gorm:"primaryKey;index" json:"user_id"`
	JoinedAt       time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// ParticipantIDs returns the participant ids in ascending order.
func (c *Conversation) ParticipantIDs() []uint {
	ids := make([]uint, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	slices.Sort(ids)
	return ids
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID uint) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Key returns a canonical key for the participant set.
func (c *Conversation) Key() string {
	return ParticipantKey(c.ParticipantIDs())
}

// ParticipantKey builds the canonical key of a participant set regardless of order.
func ParticipantKey(ids []uint) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ":")
}

// Clone returns a copy that shares no mutable state with c.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.UnreadIDs = slices.Clone(c.UnreadIDs)
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}
