package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/service"
	"github.com/noah-isme/clientsync-realtime/internal/utils"
)

// NotificationHandler manages SSE notification streams and read receipts.
type NotificationHandler struct {
	service   service.NotificationService
	logger    zerolog.Logger
	keepalive time.Duration
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service service.NotificationService, logger zerolog.Logger, keepalive time.Duration) *NotificationHandler {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &NotificationHandler{
		service:   service,
		logger:    logger.With().Str("component", "notification_handler").Logger(),
		keepalive: keepalive,
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/stream", h.stream)
	router.Patch("/:id/read", h.markRead)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}

	notifications, err := h.service.List(requestContext(c), principal.ID, limit, offset)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list notifications")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal error")
	}

	return utils.OK(c, notifications, "notifications", map[string]int{"limit": limit, "offset": offset})
}

// stream pushes the newest notifications as a full list whenever they change.
func (h *NotificationHandler) stream(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	subscription := h.service.Subscribe(requestContext(c), principal.ID)
	logger := h.logger.With().Str("user_id", principal.ID).Logger()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		observability.SSEClientsActive().Inc()
		defer func() {
			subscription.Close()
			observability.SSEClientsActive().Dec()
		}()

		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()

		for {
			select {
			case notifications, ok := <-subscription.Updates():
				if !ok {
					if err := subscription.Err(); err != nil && !errors.Is(err, service.ErrSubscriptionClosed) {
						_ = writeSSE(w, "error", map[string]string{"error": "notification stream failed"})
					}
					return
				}
				if err := writeSSE(w, "notifications", notifications); err != nil {
					logger.Debug().Err(err).Msg("failed to write notification event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					logger.Debug().Err(err).Msg("notification stream closed by client")
					return
				}
			}
		}
	})

	return nil
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	principal, ok := middleware.PrincipalFromContext(c)
	if !ok {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	parsed, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid notification id")
	}

	notification, err := h.service.MarkRead(requestContext(c), uint(parsed), principal.ID)
	if err != nil {
		if statusForError(err) == fiber.StatusInternalServerError {
			requestLogger(h.logger, c).Error().Err(err).Msg("failed to mark notification read")
		}
		return utils.SendError(c, statusForError(err), errorMessage(err))
	}

	return utils.SendSuccess(c, "notification updated", notification)
}

func writeSSE(w *bufio.Writer, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
