package models

import "time"

// ConversationType distinguishes named project rooms from admin/client direct pairings.
type ConversationType string

const (
	ConversationTypeProject ConversationType = "project"
	ConversationTypeDirect  ConversationType = "direct"
)

// Participant roles stored on a conversation.
const (
	ParticipantRoleAdmin  = "admin"
	ParticipantRoleMember = "member"
	ParticipantRoleClient = "client"
)

// Participant is the per-user entry of a conversation's participant map.
type Participant struct {
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// LastMessage is the denormalised snapshot rendered by conversation lists.
type LastMessage struct {
	Text       string    `json:"text"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// Conversation is a chat room or a direct pairing with an ordered message log.
type Conversation struct {
	ID           string                 `gorm:"primaryKey;size:128" json:"id"`
	Name         string                 `gorm:"size:255" json:"name"`
	Type         ConversationType       `gorm:"size:16;index" json:"type"`
	Description  string                 `gorm:"type:text" json:"description,omitempty"`
	CreatedBy    string                 `gorm:"size:64" json:"createdBy"`
	Participants map[string]Participant `gorm:"type:text;serializer:json" json:"participants"`
	LastMessage  *LastMessage           `gorm:"type:text;serializer:json" json:"lastMessage"`
	LastActivity time.Time              `gorm:"index" json:"lastActivity"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"-"`

	// UnreadCount is filled from the caller's membership row when listing.
	UnreadCount int `gorm:"-" json:"unreadCount"`
}

// HasParticipant reports whether userID is part of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// OtherParticipants returns every participant id except the given one.
func (c Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// Membership indexes the conversations a user belongs to.
type Membership struct {
	UserID         string    `gorm:"primaryKey;size:64" json:"userId"`
	ConversationID string    `gorm:"primaryKey;size:128;index" json:"conversationId"`
	JoinedAt       time.Time `json:"joinedAt"`
	UnreadCount    int       `gorm:"not null;default:0" json:"unreadCount"`
}
