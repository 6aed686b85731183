package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/config"
	"github.com/noah-isme/clientsync-realtime/internal/database"
	"github.com/noah-isme/clientsync-realtime/internal/handler"
	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
	"github.com/noah-isme/clientsync-realtime/internal/router"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  cfg.AppName,
		Environment:  cfg.AppEnv,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		SamplerRatio: cfg.TracingSampler,
	})
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	bus := realtime.NewBus(redisClient, cfg.ChannelBase, natsConn, logger)
	bus.Start(rootCtx)

	validate := validator.New(validator.WithRequiredStructEnabled())
	clock := clockwork.NewRealClock()

	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	directoryService := service.NewDirectoryService(conversationRepo, bus, validate, clock, logger)
	messageStore := service.NewMessageStore(messageRepo, conversationRepo, bus, service.MessageStoreConfig{
		Window: cfg.MessageWindow,
		Clock:  clock,
	}, logger)
	typingService := service.NewTypingService(redisClient, bus, service.TypingConfig{
		ChannelBase: cfg.ChannelBase,
		Ceiling:     cfg.TypingCeiling,
		StaleAfter:  cfg.TypingStaleAfter,
		Clock:       clock,
	}, logger)
	presenceService := service.NewPresenceService(redisClient, bus, service.PresenceConfig{
		ChannelBase:    cfg.ChannelBase,
		LeaseTTL:       cfg.PresenceLeaseTTL,
		ReaperInterval: cfg.PresenceReaperInterval,
		Clock:          clock,
	}, logger)
	notificationService := service.NewNotificationService(notificationRepo, bus, clock, logger)
	sessionService := service.NewSessionService(directoryService, messageStore, typingService, notificationService, validate, service.SessionConfig{
		TypingDebounce: cfg.TypingDebounce,
		Clock:          clock,
	}, logger)

	presenceService.Start(rootCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(directoryService, messageStore, sessionService, validate, logger),
		ChatHandler:         handler.NewChatHandler(directoryService, sessionService, presenceService, validate, logger),
		PresenceHandler:     handler.NewPresenceHandler(presenceService, logger),
		NotificationHandler: handler.NewNotificationHandler(notificationService, logger, cfg.NotificationsKeepAlive),
		HealthProbes: map[string]handler.HealthProbe{
			"postgres": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopBackground, shutdownTracing)
}

func waitForShutdown(app *fiber.App, stopBackground context.CancelFunc, shutdownTracing func(context.Context) error) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	stopBackground()

	if err := shutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
