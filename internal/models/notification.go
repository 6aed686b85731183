package models

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationTypeMessage marks notifications emitted for new chat messages.
const NotificationTypeMessage = "message"

// Notification is a record read by the external Notifications feature.
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    string            `gorm:"size:64;index" json:"userId"`
	Title     string            `gorm:"size:255" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	Type      string            `gorm:"size:64" json:"type"`
	IsRead    bool              `gorm:"not null;default:false" json:"isRead"`
	Data      datatypes.JSONMap `gorm:"type:json" json:"data"`
	Timestamp time.Time         `gorm:"index" json:"timestamp"`
}
