package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/dto"
	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/service"
	"github.com/noah-isme/clientsync-realtime/internal/utils"
)

// ConversationHandler exposes the conversation directory and message log over REST.
type ConversationHandler struct {
	directory service.DirectoryService
	messages  service.MessageStore
	sessions  *service.SessionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewConversationHandler creates a conversation handler instance.
func NewConversationHandler(directory service.DirectoryService, messages service.MessageStore, sessions *service.SessionService, validate *validator.Validate, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		directory: directory,
		messages:  messages,
		sessions:  sessions,
		validator: validate,
		logger:    logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// Register binds conversation routes. sendGuards run in front of message creation only.
func (h *ConversationHandler) Register(router fiber.Router, sendGuards ...fiber.Handler) {
	staff := middleware.AuthOptions{Role: middleware.AuthRoleStaff}

	router.Get("/", h.list)
	router.Post("/", middleware.WithAuth(h.create, staff))
	router.Post("/direct/:userId", h.ensureDirect)
	router.Post("/:id/participants", middleware.WithAuth(h.addParticipant, staff))
	router.Get("/:id/messages", h.recent)
	router.Post("/:id/messages", append(sendGuards, h.send)...)
	router.Post("/:id/read", h.markRead)
}

func (h *ConversationHandler) list(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversations, err := h.directory.ListForUser(requestContext(c), principal.ID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("user_id", principal.ID).Msg("failed to list conversations")
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.OK(c, conversations, "conversations", map[string]int{"count": len(conversations)})
}

func (h *ConversationHandler) create(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	id, err := h.directory.Create(requestContext(c), principal, req)
	if err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to create conversation")
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "conversation created", dto.CreateConversationResponse{ID: id})
}

func (h *ConversationHandler) ensureDirect(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.DirectConversationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	conversation, err := h.directory.EnsureDirect(requestContext(c), principal, strings.TrimSpace(c.Params("userId")), req)
	if err != nil {
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.SendSuccess(c, "direct conversation", conversation)
}

func (h *ConversationHandler) addParticipant(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.AddParticipantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	ctx := requestContext(c)
	conversationID := c.Params("id")
	if _, err := h.participantConversation(c, conversationID, principal); err != nil {
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	if err := h.directory.AddParticipant(ctx, conversationID, req); err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
		}
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	conversation, err := h.directory.Get(ctx, conversationID)
	if err != nil {
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}
	return utils.SendSuccess(c, "participant added", conversation)
}

func (h *ConversationHandler) recent(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversationID := c.Params("id")
	if _, err := h.participantConversation(c, conversationID, principal); err != nil {
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	messages, err := h.messages.Recent(requestContext(c), conversationID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("conversation_id", conversationID).Msg("failed to load messages")
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.OK(c, messages, "messages", map[string]int{"count": len(messages)})
}

func (h *ConversationHandler) send(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	message, err := h.sessions.Send(requestContext(c), c.Params("id"), principal, req)
	if err != nil {
		if isValidationError(err) {
			return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
		}
		if statusForError(err) == fiber.StatusInternalServerError {
			requestLogger(h.logger, c).Error().Err(err).Str("conversation_id", c.Params("id")).Msg("failed to send message")
		}
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}
	if message == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ConversationHandler) markRead(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	conversationID := c.Params("id")
	if _, err := h.participantConversation(c, conversationID, principal); err != nil {
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	updated, err := h.messages.MarkRead(requestContext(c), conversationID, principal.ID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Str("conversation_id", conversationID).Msg("failed to mark messages read")
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.SendSuccess(c, "messages marked read", dto.MarkReadResponse{ConversationID: conversationID, Updated: int(updated)})
}

func (h *ConversationHandler) participantConversation(c *fiber.Ctx, conversationID string, principal models.Principal) (models.Conversation, error) {
	conversation, err := h.directory.Get(requestContext(c), conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conversation.HasParticipant(principal.ID) {
		return models.Conversation{}, service.ErrNotParticipant
	}
	return conversation, nil
}
