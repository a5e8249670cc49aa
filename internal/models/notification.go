package models

import (
	"encoding/json"
	"time"
)

// NotificationType identifies what triggered a notification.
type NotificationType string

// Notification types.
const (
	NotificationMessage NotificationType = "message"
	NotificationLike    NotificationType = "like"
	NotificationComment NotificationType = "comment"
	NotificationFollow  NotificationType = "follow"
)

// Notification is an inbox entry owned by the notifications subsystem.
type Notification struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	UserID    uint             `gorm:"not null;index" json:"user_id"`
	SenderID  uint             `gorm:"not null" json:"sender_id"`
	Type      NotificationType `gorm:"type:varchar(20);not null" json:"type"`
	Title     string           `gorm:"size:200" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Data      json.RawMessage  `gorm:"type:json" json:"data,omitempty"`
	Read      bool             `gorm:"default:false" json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// Presence is the advisory online state of a user.
type Presence struct {
	UserID   uint      `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}
