package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// validationDetails flattens validator errors into field -> failed tag.
func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// isStaff reports whether the principal may manage project rooms.
func isStaff(principal models.Principal) bool {
	role := strings.ToLower(strings.TrimSpace(principal.Role))
	return role == models.ParticipantRoleAdmin || role == models.ParticipantRoleMember
}

// requestError is a transport-level rejection carrying its own status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string {
	return e.message
}

// statusForError maps service sentinels onto HTTP status codes.
func statusForError(err error) int {
	var reqErr *requestError
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.As(err, &reqErr):
		return reqErr.status
	case isValidationError(err),
		errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrInvalidDirectPair),
		errors.Is(err, service.ErrDirectMembershipFixed),
		errors.Is(err, service.ErrReplyTargetNotFound):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrNotParticipant):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrConversationNotFound), errors.Is(err, service.ErrNotificationNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrSessionClosed), errors.Is(err, service.ErrDirectIDConflict):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// errorMessage hides internal failure detail from clients.
func errorMessage(err error) string {
	if statusForError(err) == fiber.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
