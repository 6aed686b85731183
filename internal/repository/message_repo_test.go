package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/clientsync-realtime/internal/models"
)

func TestMessageRepositoryListRecentReturnsAscendingWindow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		message := models.Message{
			ID:             fmt.Sprintf("m%03d", i),
			ConversationID: "room",
			Text:           fmt.Sprintf("message %d", i),
			SenderID:       "u1",
			Type:           models.MessageTypeText,
			Status:         models.MessageStatusSent,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Save(ctx, &message))
	}

	messages, err := repo.ListRecent(ctx, "room", 50)
	require.NoError(t, err)
	require.Len(t, messages, 50)
	require.Equal(t, "m010", messages[0].ID)
	require.Equal(t, "m059", messages[49].ID)
	for i := 1; i < len(messages); i++ {
		require.True(t, messages[i-1].Before(messages[i]))
	}
}

func TestMessageRepositoryListRecentBreaksTiesByID(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"m3", "m1", "m2"} {
		message := models.Message{ID: id, ConversationID: "room", Text: id, Status: models.MessageStatusSent, Timestamp: ts}
		require.NoError(t, repo.Save(ctx, &message))
	}

	messages, err := repo.ListRecent(ctx, "room", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m3"}, []string{messages[0].ID, messages[1].ID})
}

func TestMessageRepositoryMarkReadSkipsAlreadyRead(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Save(ctx, &models.Message{ID: "a", ConversationID: "room", Status: models.MessageStatusSent, Timestamp: now}))
	require.NoError(t, repo.Save(ctx, &models.Message{ID: "b", ConversationID: "room", Status: models.MessageStatusRead, Timestamp: now}))
	require.NoError(t, repo.Save(ctx, &models.Message{ID: "c", ConversationID: "other", Status: models.MessageStatusSent, Timestamp: now}))

	updated, err := repo.MarkRead(ctx, "room", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, int64(1), updated)

	exists, err := repo.Exists(ctx, "room", "a")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = repo.Exists(ctx, "room", "c")
	require.NoError(t, err)
	require.False(t, exists)
}
