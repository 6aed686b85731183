package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/service"
	"github.com/noah-isme/clientsync-realtime/internal/utils"
)

// PresenceHandler serves the global presence snapshot for clients without a websocket.
type PresenceHandler struct {
	service service.PresenceService
	logger  zerolog.Logger
}

// NewPresenceHandler constructs a presence handler.
func NewPresenceHandler(service service.PresenceService, logger zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		logger:  logger.With().Str("component", "presence_handler").Logger(),
	}
}

// Register binds the presence routes.
func (h *PresenceHandler) Register(router fiber.Router) {
	router.Get("/", h.snapshot)
	router.Get("/:userId", h.user)
}

func (h *PresenceHandler) snapshot(c *fiber.Ctx) error {
	snapshot, err := h.service.Snapshot(requestContext(c))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to load presence")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
	return utils.SendSuccess(c, "presence", snapshot)
}

func (h *PresenceHandler) user(c *fiber.Ctx) error {
	snapshot, err := h.service.Snapshot(requestContext(c))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to load presence")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}
	record, ok := snapshot[c.Params("userId")]
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "presence not found")
	}
	return utils.SendSuccess(c, "presence", record)
}
