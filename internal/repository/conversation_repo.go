package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/clientsync-realtime/internal/models"
)

// ConversationRepository persists conversations and the per-user membership index.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *models.Conversation, membership *models.Membership) error
	EnsureDirect(ctx context.Context, conversation *models.Conversation, memberships []models.Membership) error
	AddParticipant(ctx context.Context, conversationID, userID string, participant models.Participant) error
	FindByID(ctx context.Context, id string) (models.Conversation, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Conversation, error)
	UpdateLastMessage(ctx context.Context, id string, last models.LastMessage) error
	ListMemberships(ctx context.Context, userID string) ([]models.Membership, error)
	IncrementUnread(ctx context.Context, conversationID, exceptUserID string) error
	ResetUnread(ctx context.Context, conversationID, userID string) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository constructs a conversation repository backed by GORM.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// Create writes the conversation document and the creator's membership row in one transaction.
func (r *conversationRepository) Create(ctx context.Context, conversation *models.Conversation, membership *models.Membership) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conversation).Error; err != nil {
			return err
		}
		return tx.Create(membership).Error
	})
}

// EnsureDirect inserts a direct conversation and its memberships, leaving existing rows untouched.
func (r *conversationRepository) EnsureDirect(ctx context.Context, conversation *models.Conversation, memberships []models.Membership) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(conversation).Error; err != nil {
			return err
		}
		if len(memberships) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&memberships).Error
	})
}

// AddParticipant merges the participant into the row locked for the transaction, so concurrent
// invites to the same room cannot overwrite each other.
func (r *conversationRepository) AddParticipant(ctx context.Context, conversationID, userID string, participant models.Participant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conversation models.Conversation
		if err := lockForUpdate(tx).Where("id = ?", conversationID).First(&conversation).Error; err != nil {
			return err
		}

		if _, exists := conversation.Participants[userID]; !exists {
			if conversation.Participants == nil {
				conversation.Participants = make(map[string]models.Participant)
			}
			conversation.Participants[userID] = participant
			if err := tx.Model(&models.Conversation{ID: conversationID}).
				Select("Participants").
				Updates(&models.Conversation{Participants: conversation.Participants}).Error; err != nil {
				return err
			}
		}

		membership := models.Membership{
			UserID:         userID,
			ConversationID: conversationID,
			JoinedAt:       participant.JoinedAt,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
	})
}

func (r *conversationRepository) FindByID(ctx context.Context, id string) (models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error; err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

// FindByIDs returns the conversations that still exist; missing ids are skipped.
func (r *conversationRepository) FindByIDs(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return []models.Conversation{}, nil
	}

	var conversations []models.Conversation
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

func (r *conversationRepository) UpdateLastMessage(ctx context.Context, id string, last models.LastMessage) error {
	activity := last.Timestamp
	if activity.IsZero() {
		activity = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).
		Model(&models.Conversation{ID: id}).
		Select("LastMessage", "LastActivity").
		Updates(&models.Conversation{LastMessage: &last, LastActivity: activity})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *conversationRepository) ListMemberships(ctx context.Context, userID string) ([]models.Membership, error) {
	var memberships []models.Membership
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, err
	}
	return memberships, nil
}

// IncrementUnread bumps every member's counter except the sender's with a single server-side UPDATE.
func (r *conversationRepository) IncrementUnread(ctx context.Context, conversationID, exceptUserID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, exceptUserID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
}

func (r *conversationRepository) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("unread_count", 0).Error
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// lockForUpdate applies SELECT ... FOR UPDATE where the dialect has row locks. SQLite serialises
// writers on its own and rejects the clause.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
