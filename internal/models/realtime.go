package models

import "time"

// PresenceRecord is the global online state of a user.
type PresenceRecord struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
	Name     string    `json:"name,omitempty"`
}

// TypingState is the ephemeral "is typing" entry of a user in a conversation.
type TypingState struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Principal is the authenticated caller every core operation acts for.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role,omitempty"`
}

// Name mirrors the display fallback used across the UI: display name, then email, then Anonymous.
func (p Principal) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Email != "" {
		return p.Email
	}
	return "Anonymous"
}
