package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/clientsync-realtime/internal/config"
	"github.com/noah-isme/clientsync-realtime/internal/handler"
	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler *handler.ConversationHandler
	ChatHandler         *handler.ChatHandler
	PresenceHandler     *handler.PresenceHandler
	NotificationHandler *handler.NotificationHandler
	HealthProbes        map[string]handler.HealthProbe
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)

	if deps.ConversationHandler != nil {
		sendLimiter := middleware.RateLimit("messages", cfg.MessageRateLimit, cfg.MessageRateWindow)
		deps.ConversationHandler.Register(v2.Group("/conversations"), sendLimiter)
	}

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(v2.Group("/chat"))
	}

	if deps.PresenceHandler != nil {
		deps.PresenceHandler.Register(v2.Group("/presence"))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(v2.Group("/notifications"))
	}
}
