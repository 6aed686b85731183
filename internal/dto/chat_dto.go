package dto

import (
	"github.com/noah-isme/clientsync-realtime/internal/models"
)

// SendMessageRequest is the payload accepted by a conversation session send.
type SendMessageRequest struct {
	Text     string  `json:"text" validate:"max=4000"`
	Type     string  `json:"type" validate:"omitempty,oneof=text file voice system"`
	ReplyTo  *string `json:"replyTo" validate:"omitempty,max=64"`
	FileURL  string  `json:"fileUrl" validate:"omitempty,url,max=1024"`
	FileType string  `json:"fileType" validate:"omitempty,max=128"`
}

// CreateConversationRequest describes a new named room.
type CreateConversationRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Type        string `json:"type" validate:"omitempty,oneof=project direct"`
	Description string `json:"description" validate:"omitempty,max=2000"`
}

// AddParticipantRequest appends a user to a room.
type AddParticipantRequest struct {
	UserID string `json:"userId" validate:"required,max=64"`
	Name   string `json:"name" validate:"omitempty,max=255"`
	Role   string `json:"role" validate:"omitempty,oneof=admin member client"`
}

// DirectConversationRequest carries the display data of the other party of a direct pairing.
type DirectConversationRequest struct {
	Name string `json:"name" validate:"omitempty,max=255"`
	Role string `json:"role" validate:"omitempty,oneof=admin client member"`
}

// CreateConversationResponse returns the allocated conversation id.
type CreateConversationResponse struct {
	ID string `json:"id"`
}

// MarkReadResponse reports how many messages were flipped to read.
type MarkReadResponse struct {
	ConversationID string `json:"conversationId"`
	Updated        int    `json:"updated"`
}

// SessionView is the state the UI binds to for the active conversation.
type SessionView struct {
	ConversationID string                        `json:"conversationId"`
	State          string                        `json:"state"`
	Messages       []models.Message              `json:"messages"`
	TypingUsers    map[string]models.TypingState `json:"typingUsers"`
	Error          string                        `json:"error,omitempty"`
}

// ConversationListView is the state behind the conversation list.
type ConversationListView struct {
	Conversations []models.Conversation `json:"conversations"`
	Loading       bool                  `json:"loading"`
	Error         string                `json:"error,omitempty"`
}
