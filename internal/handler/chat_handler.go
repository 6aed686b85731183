package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

// ChatHandler wires the chat websocket. One connection is one presence connection and
// holds at most one active conversation session.
type ChatHandler struct {
	directory service.DirectoryService
	sessions  *service.SessionService
	presence  service.PresenceService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(directory service.DirectoryService, sessions *service.SessionService, presence service.PresenceService, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		directory: directory,
		sessions:  sessions,
		presence:  presence,
		validator: validate,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		principal, ok := middleware.PrincipalFromContext(c)
		if !ok {
			return fiber.ErrUnauthorized
		}
		c.Locals("ws_principal", principal)
		c.Locals("request_ctx", requestContext(c))
		return c.Next()
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	principal, ok := conn.Locals("ws_principal").(models.Principal)
	if !ok || principal.ID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "principal missing"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	observability.ChatConnectionsTotal().WithLabelValues("opened").Inc()
	observability.ChatConnectionsActive().Inc()
	defer func() {
		observability.ChatConnectionsActive().Dec()
		observability.ChatConnectionsTotal().WithLabelValues("closed").Inc()
	}()

	logger := h.logger.With().
		Str("user_id", principal.ID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	logger.Info().Msg("chat websocket connected")
	client := newChatClient(h, conn, principal, baseCtx, logger)
	client.serve()
	logger.Info().Bool("graceful", client.graceful).Msg("chat websocket disconnected")
}
