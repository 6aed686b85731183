package dto

import "encoding/json"

// Client frame operations accepted on the chat websocket.
const (
	OpList     = "list"
	OpOpen     = "open"
	OpClose    = "close"
	OpSend     = "send"
	OpTyping   = "typing"
	OpMarkRead = "mark_read"
	OpCreate   = "create"
	OpOffline  = "offline"
)

// Server event types pushed on the chat websocket.
const (
	EventConversations = "conversations"
	EventSession       = "session"
	EventPresence      = "presence"
	EventAck           = "ack"
	EventError         = "error"
)

// ClientFrame is a single request sent by the browser over the websocket.
type ClientFrame struct {
	Op             string          `json:"op" validate:"required,oneof=list open close send typing mark_read create offline"`
	RequestID      string          `json:"requestId,omitempty" validate:"omitempty,max=64"`
	ConversationID string          `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	IsTyping       bool            `json:"isTyping,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is pushed to the browser.
type ServerEvent struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}
