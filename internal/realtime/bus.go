package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event signals that the entity behind Topic changed. Consumers reload their snapshot on receipt.
type Event struct {
	Source string    `json:"source"`
	Topic  string    `json:"topic"`
	SentAt time.Time `json:"sent_at"`
}

// Bus fans change events out to local subscribers and, when configured, to other nodes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}

	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	nodeID      string
	logger      zerolog.Logger
}

// NewBus creates a change bus. redisClient and natsConn are optional.
func NewBus(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *Bus {
	stream := ""
	subject := ""
	if channelBase != "" {
		stream = channelBase + ":changes"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".changes"
	}

	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		redis:       redisClient,
		redisStream: stream,
		nats:        natsConn,
		natsSubject: subject,
		nodeID:      uuid.NewString(),
		logger:      logger.With().Str("component", "realtime_bus").Logger(),
	}
}

// NodeID identifies this process on the shared channels.
func (b *Bus) NodeID() string {
	return b.nodeID
}

// Start consumes remote change events until ctx is cancelled.
func (b *Bus) Start(ctx context.Context) {
	if b.redis != nil && b.redisStream != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Publish notifies local subscribers first, then forwards the event to remote nodes.
func (b *Bus) Publish(ctx context.Context, topic string) error {
	event := Event{
		Source: b.nodeID,
		Topic:  topic,
		SentAt: time.Now().UTC(),
	}
	b.dispatch(event)

	if (b.redis == nil || b.redisStream == "") && (b.nats == nil || b.natsSubject == "") {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.redis != nil && b.redisStream != "" {
		if err := b.redis.Publish(ctx, b.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

// Subscribe registers interest in topic. The returned channel holds at most one pending
// signal; bursts coalesce because consumers always reload the full state.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 1)

	b.mu.Lock()
	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[chan Event]struct{})
	}
	b.subscribers[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subscribers, ok := b.subscribers[topic]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(b.subscribers, topic)
				}
			}
			close(ch)
		})
	}

	return ch, cancel
}

// SubscriberCount reports the number of live subscriptions to topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.Topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Bus) consumeRedis(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, b.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Msg("change bus redis subscription closed")
			return
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *Bus) consumeNATS(ctx context.Context) {
	// Plain subscribe: every node needs every change, so no queue group here.
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.handleRemote(msg.Data)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats change subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain change bus nats subscription")
		}
	}()
}

func (b *Bus) handleRemote(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		b.logger.Warn().Err(err).Msg("invalid change event payload")
		return
	}

	if event.Source == b.nodeID || event.Topic == "" {
		return
	}

	b.dispatch(event)
}

// Topic helpers.

func MessagesTopic(conversationID string) string {
	return "messages:" + conversationID
}

func TypingTopic(conversationID string) string {
	return "typing:" + conversationID
}

func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

func MembershipsTopic(userID string) string {
	return "memberships:" + userID
}

const PresenceTopic = "presence"
