package models

import (
	"cmp"
	"fmt"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"
)

// MessageType tags how a message body is rendered.
type MessageType string

// Message types. The set is closed; see Message.Body.
const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// ParseMessageType maps a wire value to a MessageType. Empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return MessageTypeText, nil
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return t, nil
	default:
		return "", NewValidationError(fmt.Sprintf("unknown message type %q", s))
	}
}

// DeliveryState is the local lifecycle of a message in a session. It is not persisted.
type DeliveryState string

// Delivery states.
const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message represents a chat message. Within a conversation messages are ordered
// by (CreatedAt, ID). ReadAt is set at most once.
type Message struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	ConversationID uint        `gorm:"not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	SenderID       uint        `gorm:"not null;index" json:"sender_id"`
	ReceiverID     uint        `gorm:"not null;index" json:"receiver_id"`
	Content        string      `gorm:"type:text;not null;default:''" json:"content"`
	Type           MessageType `gorm:"type:varchar(16);not null;default:'text'" json:"message_type"`
	FileURL        *string     `json:"file_url,omitempty"`
	ClientID       string      `gorm:"type:varchar(64);uniqueIndex" json:"client_id"`
	CreatedAt      time.Time   `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`

	Delivery DeliveryState `gorm:"-" json:"delivery,omitempty"`
}

// MessageBody is the typed content of a message. Implementations are TextBody,
// ImageBody and FileBody.
type MessageBody interface {
	Kind() MessageType
}

// TextBody is a plain text message.
type TextBody struct {
	Text string
}

// ImageBody is an image attachment with an optional caption.
type ImageBody struct {
	URL     string
	Caption string
}

// FileBody is a file attachment with an optional caption.
type FileBody struct {
	URL     string
	Caption string
}

func (TextBody) Kind() MessageType  { return MessageTypeText }
func (ImageBody) Kind() MessageType { return MessageTypeImage }
func (FileBody) Kind() MessageType  { return MessageTypeFile }

// Body decodes the row into its typed body and checks that the fields match the tag.
func (m *Message) Body() (MessageBody, error) {
	switch m.Type {
	case MessageTypeText:
		if strings.TrimSpace(m.Content) == "" {
			return nil, NewValidationError("text message content cannot be empty")
		}
		if m.FileURL != nil && *m.FileURL != "" {
			return nil, NewValidationError("text message cannot carry a file url")
		}
		return TextBody{Text: m.Content}, nil
	case MessageTypeImage:
		if m.FileURL == nil || *m.FileURL == "" {
			return nil, NewValidationError("image message requires a file url")
		}
		return ImageBody{URL: *m.FileURL, Caption: m.Content}, nil
	case MessageTypeFile:
		if m.FileURL == nil || *m.FileURL == "" {
			return nil, NewValidationError("file message requires a file url")
		}
		return FileBody{URL: *m.FileURL, Caption: m.Content}, nil
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown message type %q", m.Type))
	}
}

// Preview is the one-line summary shown in conversation lists.
func (m *Message) Preview() string {
	body, err := m.Body()
	if err != nil {
		return ""
	}
	switch b := body.(type) {
	case TextBody:
		return b.Text
	case ImageBody:
		if b.Caption != "" {
			return "Photo: " + b.Caption
		}
		return "Photo"
	case FileBody:
		return "File: " + path.Base(b.URL)
	default:
		panic(fmt.Sprintf("models: unhandled message body %T", body))
	}
}

// BeforeCreate rejects rows whose body does not match their type.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.Type == "" {
		m.Type = MessageTypeText
	}
	_, err := m.Body()
	return err
}

// IsRead reports whether the message has been read by its receiver.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Clone returns a copy that shares no pointers with m.
func (m *Message) Clone() Message {
	out := *m
	if m.FileURL != nil {
		u := *m.FileURL
		out.FileURL = &u
	}
	if m.ReadAt != nil {
		r := *m.ReadAt
		out.ReadAt = &r
	}
	return out
}

// CompareMessages orders messages by created_at, then id, then client id. At the
// same created_at, unsaved messages (id 0) sort after every saved one and are
// ordered among themselves by client id.
func CompareMessages(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch aPending, bPending := a.ID == 0, b.ID == 0; {
	case aPending && !bPending:
		return 1
	case !aPending && bPending:
		return -1
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.ClientID, b.ClientID)
}

// MergeReadAt keeps read_at monotonic: a set value is never cleared or moved.
func MergeReadAt(current, incoming *time.Time) *time.Time {
	if current != nil {
		return current
	}
	return incoming
}
