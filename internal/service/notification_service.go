package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
)

const (
	notificationTitleNewMessage = "New Message"
	notificationStreamWindow    = 20
)

// NotificationService writes message notifications and serves them to the Notifications feature.
type NotificationService interface {
	// Emit records a notification for the recipient without waiting for the write. Failures are logged.
	Emit(ctx context.Context, recipientID, senderName, conversationID, senderID string)
	List(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error)
	MarkRead(ctx context.Context, id uint, userID string) (models.Notification, error)
	Subscribe(ctx context.Context, userID string) *realtime.Subscription[[]models.Notification]
}

type notificationService struct {
	repo      repository.NotificationRepository
	bus       *realtime.Bus
	clock     clockwork.Clock
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
	baseLog   zerolog.Logger
}

// NewNotificationService constructs a notification service.
func NewNotificationService(repo repository.NotificationRepository, bus *realtime.Bus, clock clockwork.Clock, logger zerolog.Logger) NotificationService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &notificationService{
		repo:      repo,
		bus:       bus,
		clock:     clock,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/clientsync-realtime/internal/service/notification"),
		logger:    logger.With().Str("component", "notification_service").Logger(),
		baseLog:   logger,
	}
}

func (s *notificationService) Emit(ctx context.Context, recipientID, senderName, conversationID, senderID string) {
	if recipientID == "" || recipientID == senderID {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		if err := s.emit(detached, recipientID, senderName, conversationID, senderID); err != nil {
			observability.NotificationsPublishedTotal().WithLabelValues("failed").Inc()
			s.logger.Warn().Err(err).
				Str("user_id", recipientID).
				Str("conversation_id", conversationID).
				Msg("failed to emit message notification")
			return
		}
		observability.NotificationsPublishedTotal().WithLabelValues("written").Inc()
	}()
}

func (s *notificationService) emit(ctx context.Context, recipientID, senderName, conversationID, senderID string) error {
	spanCtx, span := s.tracer.Start(ctx, "notifications.emit", trace.WithAttributes(
		attribute.String("notification.user_id", recipientID),
		attribute.String("notification.type", models.NotificationTypeMessage),
		attribute.String("chat.conversation_id", conversationID),
	))
	defer span.End()

	name := strings.TrimSpace(s.sanitizer.Sanitize(senderName))
	if name == "" {
		name = "Anonymous"
	}

	notification := models.Notification{
		UserID:  recipientID,
		Title:   notificationTitleNewMessage,
		Message: "New message from " + name,
		Type:    models.NotificationTypeMessage,
		IsRead:  false,
		Data: datatypes.JSONMap{
			"conversationId": conversationID,
			"senderId":       senderID,
		},
		Timestamp: s.clock.Now().UTC(),
	}

	if err := s.repo.Create(spanCtx, &notification); err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.bus.Publish(spanCtx, notificationsTopic(recipientID)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notification change")
	}
	return nil
}

func (s *notificationService) List(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *notificationService) MarkRead(ctx context.Context, id uint, userID string) (models.Notification, error) {
	spanCtx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
	))
	defer span.End()

	notification, err := s.repo.MarkRead(spanCtx, id, userID)
	if err != nil {
		if repository.IsNotFound(err) {
			return models.Notification{}, ErrNotificationNotFound
		}
		span.RecordError(err)
		return models.Notification{}, err
	}

	if err := s.bus.Publish(spanCtx, notificationsTopic(userID)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish notification change")
	}
	return notification, nil
}

// Subscribe streams the newest notifications of a user, newest first.
func (s *notificationService) Subscribe(ctx context.Context, userID string) *realtime.Subscription[[]models.Notification] {
	return realtime.Watch(ctx, s.bus, func(ctx context.Context) ([]models.Notification, error) {
		return s.repo.ListByUser(ctx, userID, notificationStreamWindow, 0)
	}, realtime.WatchOptions[[]models.Notification]{
		Name:   "notifications",
		Topics: []string{notificationsTopic(userID)},
		Clock:  s.clock,
	}, s.baseLog)
}

func notificationsTopic(userID string) string {
	return "notifications:" + userID
}
