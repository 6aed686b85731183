package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
)

const defaultMessageWindow = 50

// ErrEmptyMessage indicates the message carried neither text nor an attachment after sanitising.
var ErrEmptyMessage = errors.New("message content empty after sanitization")

// AppendRequest is a message about to be written to a conversation log.
type AppendRequest struct {
	Text        string
	SenderID    string
	SenderName  string
	SenderRole  string
	RecipientID string
	Type        string
	FileURL     string
	FileType    string
	ReplyTo     *string
}

// MessageStoreConfig tunes the retained window.
type MessageStoreConfig struct {
	Window int
	Clock  clockwork.Clock
}

// MessageStore appends to and streams the ordered message log of conversations.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, req AppendRequest) (models.Message, error)
	Recent(ctx context.Context, conversationID string) ([]models.Message, error)
	Subscribe(ctx context.Context, conversationID string) *realtime.Subscription[[]models.Message]
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

type messageStore struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	bus           *realtime.Bus
	window        int
	clock         clockwork.Clock
	sanitizer     *bluemonday.Policy
	tracer        trace.Tracer
	logger        zerolog.Logger
	baseLog       zerolog.Logger
}

// NewMessageStore constructs the message store adapter.
func NewMessageStore(messages repository.MessageRepository, conversations repository.ConversationRepository, bus *realtime.Bus, cfg MessageStoreConfig, logger zerolog.Logger) MessageStore {
	if cfg.Window <= 0 {
		cfg.Window = defaultMessageWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageStore{
		messages:      messages,
		conversations: conversations,
		bus:           bus,
		window:        cfg.Window,
		clock:         cfg.Clock,
		sanitizer:     sanitizer,
		tracer:        otel.Tracer("github.com/noah-isme/clientsync-realtime/internal/service/messages"),
		logger:        logger.With().Str("component", "message_store").Logger(),
		baseLog:       logger,
	}
}

// Append writes the message; that write is the durability boundary. Conversation metadata,
// unread counters and change signals follow as best-effort writes.
func (s *messageStore) Append(ctx context.Context, conversationID string, req AppendRequest) (models.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return models.Message{}, ErrConversationNotFound
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Text))
	fileURL := strings.TrimSpace(req.FileURL)
	if clean == "" && fileURL == "" {
		return models.Message{}, ErrEmptyMessage
	}

	messageType := req.Type
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	spanCtx, span := s.tracer.Start(ctx, "messages.append", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.sender_id", req.SenderID),
		attribute.String("chat.type", messageType),
	))
	defer span.End()

	conversation, err := s.conversations.FindByID(spanCtx, conversationID)
	if err != nil {
		if repository.IsNotFound(err) {
			return models.Message{}, ErrConversationNotFound
		}
		span.RecordError(err)
		return models.Message{}, fmt.Errorf("load conversation: %w", err)
	}
	if !conversation.HasParticipant(req.SenderID) {
		return models.Message{}, ErrNotParticipant
	}

	if req.ReplyTo != nil && *req.ReplyTo != "" {
		exists, err := s.messages.Exists(spanCtx, conversationID, *req.ReplyTo)
		if err != nil {
			span.RecordError(err)
			return models.Message{}, fmt.Errorf("check reply target: %w", err)
		}
		if !exists {
			return models.Message{}, ErrReplyTargetNotFound
		}
	} else {
		req.ReplyTo = nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, err
	}

	message := models.Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Text:           clean,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		SenderRole:     req.SenderRole,
		RecipientID:    req.RecipientID,
		Type:           messageType,
		FileURL:        fileURL,
		FileType:       req.FileType,
		ReplyTo:        req.ReplyTo,
		Status:         models.MessageStatusSent,
		Timestamp:      s.clock.Now().UTC(),
	}

	if err := s.messages.Save(spanCtx, &message); err != nil {
		span.RecordError(err)
		return models.Message{}, fmt.Errorf("save message: %w", err)
	}
	observability.MessagesSentTotal().WithLabelValues(messageType).Inc()

	s.publish(spanCtx, realtime.MessagesTopic(conversationID))

	// The message is durable from here on; nothing below may fail the append.
	metaCtx := context.WithoutCancel(spanCtx)
	last := models.LastMessage{
		Text:       lastMessageText(message),
		SenderID:   message.SenderID,
		SenderName: message.SenderName,
		Timestamp:  message.Timestamp,
	}
	if err := s.conversations.UpdateLastMessage(metaCtx, conversationID, last); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to update conversation last message")
	}
	if err := s.conversations.IncrementUnread(metaCtx, conversationID, message.SenderID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to increment unread counters")
	}
	s.publish(metaCtx, realtime.ConversationTopic(conversationID))

	return message, nil
}

func (s *messageStore) Recent(ctx context.Context, conversationID string) ([]models.Message, error) {
	messages, err := s.messages.ListRecent(ctx, conversationID, s.window)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	SortMessages(messages)
	return messages, nil
}

// Subscribe streams the retained window, sorted ascending on every delivery.
func (s *messageStore) Subscribe(ctx context.Context, conversationID string) *realtime.Subscription[[]models.Message] {
	return realtime.Watch(ctx, s.bus, func(ctx context.Context) ([]models.Message, error) {
		return s.Recent(ctx, conversationID)
	}, realtime.WatchOptions[[]models.Message]{
		Name:   "messages",
		Topics: []string{realtime.MessagesTopic(conversationID)},
		Clock:  s.clock,
	}, s.baseLog)
}

// MarkRead flips messages from other senders inside the retained window to read and
// resets the reader's unread counter. Read state is advisory.
func (s *messageStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	spanCtx, span := s.tracer.Start(ctx, "messages.mark_read", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.reader_id", readerID),
	))
	defer span.End()

	window, err := s.messages.ListRecent(spanCtx, conversationID, s.window)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, 0, len(window))
	for _, message := range window {
		if message.SenderID != readerID && message.Status != models.MessageStatusRead {
			ids = append(ids, message.ID)
		}
	}

	updated, err := s.messages.MarkRead(spanCtx, conversationID, ids)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	if updated > 0 {
		s.publish(spanCtx, realtime.MessagesTopic(conversationID))
	}

	if err := s.conversations.ResetUnread(spanCtx, conversationID, readerID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to reset unread counter")
	} else {
		s.publish(spanCtx, realtime.MembershipsTopic(readerID))
	}

	return updated, nil
}

func (s *messageStore) publish(ctx context.Context, topic string) {
	if err := s.bus.Publish(ctx, topic); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish message change")
	}
}

// SortMessages orders messages ascending by timestamp with the id as tie-break.
func SortMessages(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
}

func lastMessageText(message models.Message) string {
	if message.Text != "" {
		return message.Text
	}
	switch message.Type {
	case models.MessageTypeVoice:
		return "Voice message"
	default:
		return "Attachment"
	}
}
