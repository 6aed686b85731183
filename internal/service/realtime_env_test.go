package service

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/clientsync-realtime/internal/dto"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
	"github.com/noah-isme/clientsync-realtime/internal/repository"
)

var (
	alice = models.Principal{ID: "u1", DisplayName: "alice", Email: "alice@example.com", Role: models.ParticipantRoleAdmin}
	bob   = models.Principal{ID: "u2", DisplayName: "bob", Email: "bob@example.com", Role: models.ParticipantRoleClient}
	carol = models.Principal{ID: "u3", Email: "carol@example.com"}
)

type realtimeEnv struct {
	db    *gorm.DB
	mr    *miniredis.Miniredis
	redis *redis.Client
	bus   *realtime.Bus
	clock clockwork.FakeClock

	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	notificationRepo repository.NotificationRepository

	directory     DirectoryService
	messages      MessageStore
	typing        TypingService
	notifications NotificationService
	presence      PresenceService
	sessions      *SessionService
}

type envOption func(*realtimeEnv)

func withNotificationRepo(repo repository.NotificationRepository) envOption {
	return func(env *realtimeEnv) { env.notificationRepo = repo }
}

func withConversationRepo(wrap func(repository.ConversationRepository) repository.ConversationRepository) envOption {
	return func(env *realtimeEnv) { env.conversationRepo = wrap(env.conversationRepo) }
}

func newRealtimeEnv(t *testing.T, opts ...envOption) *realtimeEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Conversation{}, &models.Membership{}, &models.Message{}, &models.Notification{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	env := &realtimeEnv{
		db:               db,
		mr:               mr,
		redis:            client,
		bus:              realtime.NewBus(nil, "", nil, logger),
		clock:            clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		conversationRepo: repository.NewConversationRepository(db),
		messageRepo:      repository.NewMessageRepository(db),
		notificationRepo: repository.NewNotificationRepository(db),
	}
	for _, opt := range opts {
		opt(env)
	}

	env.directory = NewDirectoryService(env.conversationRepo, env.bus, validate, env.clock, logger)
	env.messages = NewMessageStore(env.messageRepo, env.conversationRepo, env.bus, MessageStoreConfig{Clock: env.clock}, logger)
	env.typing = NewTypingService(client, env.bus, TypingConfig{ChannelBase: "test", Ceiling: 3 * time.Second, StaleAfter: 5 * time.Second, Clock: env.clock}, logger)
	env.notifications = NewNotificationService(env.notificationRepo, env.bus, env.clock, logger)
	env.presence = NewPresenceService(client, env.bus, PresenceConfig{ChannelBase: "test", LeaseTTL: 30 * time.Second, ReaperInterval: 15 * time.Second, Clock: env.clock}, logger)
	env.sessions = NewSessionService(env.directory, env.messages, env.typing, env.notifications, validate, SessionConfig{TypingDebounce: time.Second, Clock: env.clock}, logger)

	return env
}

// nextValue waits for the next value on ch.
func nextValue[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		require.True(t, ok, "channel closed")
		return value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	var zero T
	return zero
}

// waitForValue drains ch until match accepts a value.
func waitForValue[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case value, ok := <-ch:
			require.True(t, ok, "channel closed")
			if match(value) {
				return value
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching update")
		}
	}
}

func waitForSessionView(t *testing.T, session *Session, match func(dto.SessionView) bool) dto.SessionView {
	t.Helper()
	if view := session.View(); match(view) {
		return view
	}
	return waitForValue(t, session.Updates(), match)
}

func testNopLogger() zerolog.Logger {
	return zerolog.Nop()
}
