package models

import "time"

// MessageStatus is the client-inferred delivery state of a message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Message types. Attachments reuse the same record through FileURL/FileType.
const (
	MessageTypeText   = "text"
	MessageTypeFile   = "file"
	MessageTypeVoice  = "voice"
	MessageTypeSystem = "system"
)

// Message is an immutable entry of a conversation log; only Status changes after creation.
type Message struct {
	ID             string        `gorm:"primaryKey;size:64" json:"id"`
	ConversationID string        `gorm:"size:128;index:idx_messages_conversation_timestamp,priority:1" json:"conversationId"`
	Text           string        `gorm:"type:text" json:"text"`
	SenderID       string        `gorm:"size:64;index" json:"senderId"`
	SenderName     string        `gorm:"size:255" json:"senderName"`
	SenderRole     string        `gorm:"size:32" json:"senderRole,omitempty"`
	RecipientID    string        `gorm:"size:64" json:"recipientId,omitempty"`
	Type           string        `gorm:"size:16;default:text" json:"type"`
	FileURL        string        `gorm:"size:1024" json:"fileUrl,omitempty"`
	FileType       string        `gorm:"size:128" json:"fileType,omitempty"`
	ReplyTo        *string       `gorm:"size:64" json:"replyTo"`
	Status         MessageStatus `gorm:"size:16;default:sent;index" json:"status"`
	Timestamp      time.Time     `gorm:"index:idx_messages_conversation_timestamp,priority:2" json:"timestamp"`
}

// Before reports whether m sorts ahead of other: timestamp first, id as the stable tie-break.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}
