package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/clientsync-realtime/internal/dto"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
)

// DirectConversationID derives the shared id of a direct pairing; argument order does not matter.
// Ids are joined with "_", so pairs whose ids contain "_" can derive the same value; EnsureDirect
// refuses an existing conversation whose participants are not the requested pair.
func DirectConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "_" + userB
}

// DirectoryService maps users to the conversations they participate in.
type DirectoryService interface {
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	SubscribeForUser(ctx context.Context, userID string) *realtime.Subscription[[]models.Conversation]
	Create(ctx context.Context, creator models.Principal, req dto.CreateConversationRequest) (string, error)
	EnsureDirect(ctx context.Context, self models.Principal, otherID string, req dto.DirectConversationRequest) (models.Conversation, error)
	AddParticipant(ctx context.Context, conversationID string, req dto.AddParticipantRequest) error
}

type directoryService struct {
	repo      repository.ConversationRepository
	bus       *realtime.Bus
	validator *validator.Validate
	clock     clockwork.Clock
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
	baseLog   zerolog.Logger
}

// NewDirectoryService constructs the conversation directory.
func NewDirectoryService(repo repository.ConversationRepository, bus *realtime.Bus, validate *validator.Validate, clock clockwork.Clock, logger zerolog.Logger) DirectoryService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &directoryService{
		repo:      repo,
		bus:       bus,
		validator: validate,
		clock:     clock,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/clientsync-realtime/internal/service/directory"),
		logger:    logger.With().Str("component", "directory_service").Logger(),
		baseLog:   logger,
	}
}

func (s *directoryService) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	conversation, err := s.repo.FindByID(ctx, conversationID)
	if err != nil {
		if repository.IsNotFound(err) {
			return models.Conversation{}, ErrConversationNotFound
		}
		return models.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return conversation, nil
}

// ListForUser merges the user's membership index with each conversation's metadata, newest activity first.
// Memberships whose conversation no longer resolves are skipped.
func (s *directoryService) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	memberships, err := s.repo.ListMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	ids := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		ids = append(ids, membership.ConversationID)
	}

	found, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	byID := make(map[string]models.Conversation, len(found))
	for _, conversation := range found {
		byID[conversation.ID] = conversation
	}

	conversations := make([]models.Conversation, 0, len(memberships))
	for _, membership := range memberships {
		conversation, ok := byID[membership.ConversationID]
		if !ok {
			continue
		}
		conversation.UnreadCount = membership.UnreadCount
		conversations = append(conversations, conversation)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i], conversations[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID < b.ID
	})

	return conversations, nil
}

func (s *directoryService) SubscribeForUser(ctx context.Context, userID string) *realtime.Subscription[[]models.Conversation] {
	return realtime.Watch(ctx, s.bus, func(ctx context.Context) ([]models.Conversation, error) {
		return s.ListForUser(ctx, userID)
	}, realtime.WatchOptions[[]models.Conversation]{
		Name:   "conversations",
		Topics: []string{realtime.MembershipsTopic(userID)},
		ExtraTopics: func(conversations []models.Conversation) []string {
			topics := make([]string, 0, len(conversations))
			for _, conversation := range conversations {
				topics = append(topics, realtime.ConversationTopic(conversation.ID))
			}
			return topics
		},
		Clock: s.clock,
	}, s.baseLog)
}

// Create allocates a room with the creator as its only admin. The conversation and the creator's
// membership are written in one transaction.
func (s *directoryService) Create(ctx context.Context, creator models.Principal, req dto.CreateConversationRequest) (string, error) {
	req.Name = strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	req.Description = strings.TrimSpace(s.sanitizer.Sanitize(req.Description))
	if err := s.validator.Struct(req); err != nil {
		return "", err
	}
	if creator.ID == "" {
		return "", fmt.Errorf("creator id is required")
	}

	conversationType := models.ConversationType(req.Type)
	if conversationType == "" {
		conversationType = models.ConversationTypeProject
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	spanCtx, span := s.tracer.Start(ctx, "conversations.create", trace.WithAttributes(
		attribute.String("chat.conversation_id", id.String()),
		attribute.String("chat.creator_id", creator.ID),
	))
	defer span.End()

	now := s.clock.Now().UTC()
	conversation := models.Conversation{
		ID:          id.String(),
		Name:        req.Name,
		Type:        conversationType,
		Description: req.Description,
		CreatedBy:   creator.ID,
		Participants: map[string]models.Participant{
			creator.ID: {Name: creator.Name(), Role: models.ParticipantRoleAdmin, JoinedAt: now},
		},
		LastActivity: now,
		CreatedAt:    now,
	}
	membership := models.Membership{
		UserID:         creator.ID,
		ConversationID: conversation.ID,
		JoinedAt:       now,
	}

	if err := s.repo.Create(spanCtx, &conversation, &membership); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create conversation: %w", err)
	}

	s.publish(spanCtx, realtime.MembershipsTopic(creator.ID))
	return conversation.ID, nil
}

// EnsureDirect idempotently materialises the direct conversation between self and otherID.
func (s *directoryService) EnsureDirect(ctx context.Context, self models.Principal, otherID string, req dto.DirectConversationRequest) (models.Conversation, error) {
	otherID = strings.TrimSpace(otherID)
	if self.ID == "" || otherID == "" || self.ID == otherID {
		return models.Conversation{}, ErrInvalidDirectPair
	}
	if err := s.validator.Struct(req); err != nil {
		return models.Conversation{}, err
	}

	id := DirectConversationID(self.ID, otherID)
	if existing, err := s.repo.FindByID(ctx, id); err == nil {
		if !isDirectPair(existing, self.ID, otherID) {
			return models.Conversation{}, ErrDirectIDConflict
		}
		return existing, nil
	} else if !repository.IsNotFound(err) {
		return models.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	otherName := strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	if otherName == "" {
		otherName = otherID
	}
	otherRole := req.Role
	if otherRole == "" {
		otherRole = models.ParticipantRoleMember
	}
	selfRole := self.Role
	if selfRole == "" {
		selfRole = models.ParticipantRoleMember
	}

	now := s.clock.Now().UTC()
	conversation := models.Conversation{
		ID:        id,
		Name:      directName(self.ID, self.Name(), otherID, otherName),
		Type:      models.ConversationTypeDirect,
		CreatedBy: self.ID,
		Participants: map[string]models.Participant{
			self.ID: {Name: self.Name(), Role: selfRole, JoinedAt: now},
			otherID: {Name: otherName, Role: otherRole, JoinedAt: now},
		},
		LastActivity: now,
		CreatedAt:    now,
	}
	memberships := []models.Membership{
		{UserID: self.ID, ConversationID: id, JoinedAt: now},
		{UserID: otherID, ConversationID: id, JoinedAt: now},
	}

	if err := s.repo.EnsureDirect(ctx, &conversation, memberships); err != nil {
		return models.Conversation{}, fmt.Errorf("ensure direct conversation: %w", err)
	}

	s.publish(ctx, realtime.MembershipsTopic(self.ID))
	s.publish(ctx, realtime.MembershipsTopic(otherID))

	// A concurrent caller may have won the insert; return what is stored.
	stored, err := s.Get(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	if !isDirectPair(stored, self.ID, otherID) {
		return models.Conversation{}, ErrDirectIDConflict
	}
	return stored, nil
}

func isDirectPair(conversation models.Conversation, userA, userB string) bool {
	return conversation.Type == models.ConversationTypeDirect &&
		len(conversation.Participants) == 2 &&
		conversation.HasParticipant(userA) &&
		conversation.HasParticipant(userB)
}

func (s *directoryService) AddParticipant(ctx context.Context, conversationID string, req dto.AddParticipantRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Name = strings.TrimSpace(s.sanitizer.Sanitize(req.Name))
	if err := s.validator.Struct(req); err != nil {
		return err
	}

	role := req.Role
	if role == "" {
		role = models.ParticipantRoleMember
	}
	name := req.Name
	if name == "" {
		name = req.UserID
	}

	conversation, err := s.repo.FindByID(ctx, conversationID)
	if err != nil {
		if repository.IsNotFound(err) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	if conversation.Type == models.ConversationTypeDirect {
		return ErrDirectMembershipFixed
	}

	participant := models.Participant{Name: name, Role: role, JoinedAt: s.clock.Now().UTC()}
	if err := s.repo.AddParticipant(ctx, conversationID, req.UserID, participant); err != nil {
		if repository.IsNotFound(err) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("add participant: %w", err)
	}

	s.publish(ctx, realtime.MembershipsTopic(req.UserID))
	s.publish(ctx, realtime.ConversationTopic(conversationID))
	return nil
}

func (s *directoryService) publish(ctx context.Context, topic string) {
	if err := s.bus.Publish(ctx, topic); err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish directory change")
	}
}

func directName(idA, nameA, idB, nameB string) string {
	if idB < idA {
		nameA, nameB = nameB, nameA
	}
	return nameA + " & " + nameB
}
