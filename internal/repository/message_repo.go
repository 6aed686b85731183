package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/clientsync-realtime/internal/models"
)

const (
	defaultMessageWindow = 50
	maxMessageWindow     = 200
)

// MessageRepository persists the ordered message log of each conversation.
type MessageRepository interface {
	Save(ctx context.Context, message *models.Message) error
	ListRecent(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	Exists(ctx context.Context, conversationID, messageID string) (bool, error)
	MarkRead(ctx context.Context, conversationID string, ids []string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, message *models.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// ListRecent returns the newest limit messages in ascending (timestamp, id) order.
func (r *messageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultMessageWindow
	}
	if limit > maxMessageWindow {
		limit = maxMessageWindow
	}

	var messages []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) Exists(ctx context.Context, conversationID, messageID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND id = ?", conversationID, messageID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *messageRepository) MarkRead(ctx context.Context, conversationID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ? AND id IN ? AND status <> ?", conversationID, ids, models.MessageStatusRead).
		UpdateColumn("status", models.MessageStatusRead)
	return result.RowsAffected, result.Error
}
