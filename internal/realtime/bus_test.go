package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBusPublishReachesLocalSubscribers(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())

	events, cancel := bus.Subscribe(MessagesTopic("c1"))
	defer cancel()
	other, cancelOther := bus.Subscribe(MessagesTopic("c2"))
	defer cancelOther()

	require.NoError(t, bus.Publish(context.Background(), MessagesTopic("c1")))

	select {
	case event := <-events:
		require.Equal(t, "messages:c1", event.Topic)
		require.Equal(t, bus.NodeID(), event.Source)
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}

	select {
	case <-other:
		t.Fatal("unrelated topic must not be signalled")
	default:
	}
}

func TestBusSignalsCoalesce(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	events, cancel := bus.Subscribe(PresenceTopic)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), PresenceTopic))
	}

	require.Len(t, events, 1)
}

func TestBusCancelIsIdempotentAndClosesChannel(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	events, cancel := bus.Subscribe(TypingTopic("c1"))
	require.Equal(t, 1, bus.SubscriberCount(TypingTopic("c1")))

	cancel()
	cancel()

	_, ok := <-events
	require.False(t, ok)
	require.Equal(t, 0, bus.SubscriberCount(TypingTopic("c1")))
	require.NoError(t, bus.Publish(context.Background(), TypingTopic("c1")))
}

func TestBusForwardsAcrossNodesViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewBus(client, "clientsync", nil, zerolog.Nop())
	nodeB := NewBus(client, "clientsync", nil, zerolog.Nop())
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	eventsA, cancelA := nodeA.Subscribe(ConversationTopic("c1"))
	defer cancelA()
	eventsB, cancelB := nodeB.Subscribe(ConversationTopic("c1"))
	defer cancelB()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("clientsync:changes")["clientsync:changes"] == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, nodeA.Publish(ctx, ConversationTopic("c1")))

	select {
	case event := <-eventsB:
		require.Equal(t, nodeA.NodeID(), event.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("expected remote change event on node B")
	}

	// Node A sees its own publish exactly once: locally, not echoed back through redis.
	<-eventsA
	select {
	case <-eventsA:
		t.Fatal("self echo must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}
