package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
)

const (
	defaultTypingCeiling    = 3 * time.Second
	defaultTypingStaleAfter = 5 * time.Second
)

// TypingSnapshot maps user ids to their in-progress typing state.
type TypingSnapshot map[string]models.TypingState

// Without returns a copy of the snapshot that omits userID.
func (t TypingSnapshot) Without(userID string) TypingSnapshot {
	out := make(TypingSnapshot, len(t))
	for id, state := range t {
		if id != userID {
			out[id] = state
		}
	}
	return out
}

// TypingConfig tunes typing expiry.
type TypingConfig struct {
	ChannelBase string
	// Ceiling clears an indicator that was never explicitly cleared.
	Ceiling time.Duration
	// StaleAfter bounds how long the store keeps a conversation's typing hash without writes.
	StaleAfter time.Duration
	Clock      clockwork.Clock
}

// TypingService stores ephemeral per-conversation typing indicators.
type TypingService interface {
	SetTyping(ctx context.Context, conversationID, userID, name string) error
	ClearTyping(ctx context.Context, conversationID, userID string) error
	Snapshot(ctx context.Context, conversationID string) (TypingSnapshot, error)
	Subscribe(ctx context.Context, conversationID string) *realtime.Subscription[TypingSnapshot]
}

type typingService struct {
	redis      *redis.Client
	bus        *realtime.Bus
	prefix     string
	ceiling    time.Duration
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     zerolog.Logger
	baseLog    zerolog.Logger

	mu     sync.Mutex
	timers map[typingKey]clockwork.Timer
}

type typingKey struct {
	conversationID string
	userID         string
}

// NewTypingService constructs a redis-backed typing tracker.
func NewTypingService(redisClient *redis.Client, bus *realtime.Bus, cfg TypingConfig, logger zerolog.Logger) TypingService {
	base := cfg.ChannelBase
	if base == "" {
		base = "clientsync"
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = defaultTypingCeiling
	}
	if cfg.StaleAfter < cfg.Ceiling {
		cfg.StaleAfter = defaultTypingStaleAfter
		if cfg.StaleAfter < cfg.Ceiling {
			cfg.StaleAfter = cfg.Ceiling
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &typingService{
		redis:      redisClient,
		bus:        bus,
		prefix:     base + ":typing:",
		ceiling:    cfg.Ceiling,
		staleAfter: cfg.StaleAfter,
		clock:      cfg.Clock,
		logger:     logger.With().Str("component", "typing_service").Logger(),
		baseLog:    logger,
		timers:     make(map[typingKey]clockwork.Timer),
	}
}

func (s *typingService) SetTyping(ctx context.Context, conversationID, userID, name string) error {
	if conversationID == "" || userID == "" {
		return nil
	}

	payload, err := json.Marshal(models.TypingState{Name: name, Timestamp: s.clock.Now().UTC()})
	if err != nil {
		return err
	}

	key := s.key(conversationID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, userID, payload)
	pipe.Expire(ctx, key, s.staleAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write typing state: %w", err)
	}

	s.arm(conversationID, userID)
	s.publish(ctx, conversationID)
	return nil
}

func (s *typingService) ClearTyping(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" || userID == "" {
		return nil
	}

	s.disarm(conversationID, userID)
	if err := s.redis.HDel(ctx, s.key(conversationID), userID).Err(); err != nil {
		return fmt.Errorf("clear typing state: %w", err)
	}
	s.publish(ctx, conversationID)
	return nil
}

// Snapshot returns the typing users, hiding entries older than the ceiling.
func (s *typingService) Snapshot(ctx context.Context, conversationID string) (TypingSnapshot, error) {
	raw, err := s.redis.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load typing states: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.ceiling)
	snapshot := make(TypingSnapshot, len(raw))
	for userID, value := range raw {
		var state models.TypingState
		if err := json.Unmarshal([]byte(value), &state); err != nil {
			continue
		}
		if !state.Timestamp.After(cutoff) {
			continue
		}
		snapshot[userID] = state
	}
	return snapshot, nil
}

func (s *typingService) Subscribe(ctx context.Context, conversationID string) *realtime.Subscription[TypingSnapshot] {
	return realtime.Watch(ctx, s.bus, func(ctx context.Context) (TypingSnapshot, error) {
		return s.Snapshot(ctx, conversationID)
	}, realtime.WatchOptions[TypingSnapshot]{
		Name:    "typing",
		Topics:  []string{realtime.TypingTopic(conversationID)},
		Refresh: s.ceiling,
		Clock:   s.clock,
	}, s.baseLog)
}

func (s *typingService) arm(conversationID, userID string) {
	key := typingKey{conversationID: conversationID, userID: userID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}

	var timer clockwork.Timer
	timer = s.clock.AfterFunc(s.ceiling, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		ctx := context.Background()
		if err := s.redis.HDel(ctx, s.key(conversationID), userID).Err(); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Str("user_id", userID).Msg("failed to expire typing state")
			return
		}
		observability.TypingExpiredTotal().Inc()
		s.publish(ctx, conversationID)
	})
	s.timers[key] = timer
}

func (s *typingService) disarm(conversationID, userID string) {
	key := typingKey{conversationID: conversationID, userID: userID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *typingService) publish(ctx context.Context, conversationID string) {
	if err := s.bus.Publish(ctx, realtime.TypingTopic(conversationID)); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to publish typing change")
	}
}

func (s *typingService) key(conversationID string) string {
	return s.prefix + conversationID
}
