package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/clientsync-realtime/internal/config"
	"github.com/noah-isme/clientsync-realtime/internal/database"
	"github.com/noah-isme/clientsync-realtime/internal/handler"
	"github.com/noah-isme/clientsync-realtime/internal/middleware"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
	"github.com/noah-isme/clientsync-realtime/internal/router"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

const testJWTSecret = "handler-test-secret"

var (
	admin  = models.Principal{ID: "admin-1", DisplayName: "Ada", Email: "ada@example.com", Role: "admin"}
	client = models.Principal{ID: "client-1", DisplayName: "Cleo", Email: "cleo@example.com", Role: "client"}
	member = models.Principal{ID: "member-1", Email: "max@example.com", Role: "member"}
)

type apiEnv struct {
	app       *fiber.App
	mr        *miniredis.Miniredis
	directory service.DirectoryService
	messages  service.MessageStore
	presence  service.PresenceService
	notify    service.NotificationService
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	logger := zerolog.New(io.Discard)
	validate := validator.New(validator.WithRequiredStructEnabled())
	clock := clockwork.NewRealClock()
	bus := realtime.NewBus(nil, "", nil, logger)

	conversationRepo := repository.NewConversationRepository(db)
	directory := service.NewDirectoryService(conversationRepo, bus, validate, clock, logger)
	messages := service.NewMessageStore(repository.NewMessageRepository(db), conversationRepo, bus, service.MessageStoreConfig{Clock: clock}, logger)
	typing := service.NewTypingService(redisClient, bus, service.TypingConfig{ChannelBase: "api", Ceiling: 3 * time.Second, StaleAfter: 5 * time.Second, Clock: clock}, logger)
	presence := service.NewPresenceService(redisClient, bus, service.PresenceConfig{ChannelBase: "api", LeaseTTL: 30 * time.Second, ReaperInterval: 15 * time.Second, Clock: clock}, logger)
	notify := service.NewNotificationService(repository.NewNotificationRepository(db), bus, clock, logger)
	sessions := service.NewSessionService(directory, messages, typing, notify, validate, service.SessionConfig{TypingDebounce: time.Second, Clock: clock}, logger)

	cfg := config.Config{AppName: "clientsync-test", AppEnv: "test", MessageRateLimit: 50, MessageRateWindow: time.Minute}

	app := fiber.New()
	app.Use(middleware.CorrelationID())
	router.Register(app, cfg, router.Dependencies{
		ConversationHandler: handler.NewConversationHandler(directory, messages, sessions, validate, logger),
		ChatHandler:         handler.NewChatHandler(directory, sessions, presence, validate, logger),
		PresenceHandler:     handler.NewPresenceHandler(presence, logger),
		NotificationHandler: handler.NewNotificationHandler(notify, logger, time.Second),
		JWTMiddleware:       middleware.JWTProtected(testJWTSecret),
	})

	return &apiEnv{app: app, mr: mr, directory: directory, messages: messages, presence: presence, notify: notify}
}

func tokenFor(t *testing.T, principal models.Principal) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   principal.ID,
		"email": principal.Email,
		"role":  principal.Role,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	if principal.DisplayName != "" {
		claims["name"] = principal.DisplayName
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

type envelope[T any] struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    T                 `json:"data"`
	Details map[string]string `json:"details"`
}

func (e *apiEnv) do(t *testing.T, principal *models.Principal, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, *principal))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope[T any](t *testing.T, resp *http.Response) envelope[T] {
	t.Helper()
	defer resp.Body.Close()
	var out envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// listen serves the app on a loopback port for websocket clients.
func (e *apiEnv) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = e.app.Listener(ln) }()
	t.Cleanup(func() { _ = e.app.Shutdown() })
	return ln.Addr().String()
}
