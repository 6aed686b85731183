package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		require.True(t, ok, "updates channel closed")
		return value
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}

func TestWatchDeliversInitialAndChangedSnapshots(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	var version atomic.Int64

	sub := Watch(context.Background(), bus, func(ctx context.Context) (int64, error) {
		return version.Load(), nil
	}, WatchOptions[int64]{Name: "test", Topics: []string{"t"}}, zerolog.Nop())
	defer sub.Close()

	require.Equal(t, int64(0), receive(t, sub.Updates()))

	require.Eventually(t, func() bool { return bus.SubscriberCount("t") == 1 }, time.Second, 5*time.Millisecond)
	version.Store(7)
	require.NoError(t, bus.Publish(context.Background(), "t"))
	require.Equal(t, int64(7), receive(t, sub.Updates()))
}

func TestWatchCloseStopsDelivery(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	var loads atomic.Int64

	sub := Watch(context.Background(), bus, func(ctx context.Context) (int64, error) {
		return loads.Add(1), nil
	}, WatchOptions[int64]{Name: "test", Topics: []string{"a"}}, zerolog.Nop())
	receive(t, sub.Updates())

	sub.Close()
	sub.Close()
	require.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)
	require.Equal(t, 0, bus.SubscriberCount("a"))

	before := loads.Load()
	require.NoError(t, bus.Publish(context.Background(), "a"))

	_, ok := <-sub.Updates()
	require.False(t, ok)
	require.Equal(t, before, loads.Load())
}

func TestWatchLoadErrorIsTerminal(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	boom := errors.New("store unavailable")
	var calls atomic.Int64

	sub := Watch(context.Background(), bus, func(ctx context.Context) (string, error) {
		if calls.Add(1) > 1 {
			return "", boom
		}
		return "ok", nil
	}, WatchOptions[string]{Name: "test", Topics: []string{"x"}}, zerolog.Nop())
	defer sub.Close()

	require.Equal(t, "ok", receive(t, sub.Updates()))
	require.Eventually(t, func() bool { return bus.SubscriberCount("x") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), "x"))

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription should stop after a load failure")
	}
	require.ErrorIs(t, sub.Err(), boom)
}

func TestWatchFollowsExtraTopics(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	var topics atomic.Value
	topics.Store([]string{"conversation:c1"})

	sub := Watch(context.Background(), bus, func(ctx context.Context) ([]string, error) {
		return topics.Load().([]string), nil
	}, WatchOptions[[]string]{
		Name:        "test",
		Topics:      []string{"memberships:u1"},
		ExtraTopics: func(current []string) []string { return current },
	}, zerolog.Nop())
	defer sub.Close()

	receive(t, sub.Updates())
	require.Eventually(t, func() bool { return bus.SubscriberCount("conversation:c1") == 1 }, time.Second, 5*time.Millisecond)

	topics.Store([]string{"conversation:c2"})
	require.NoError(t, bus.Publish(context.Background(), "memberships:u1"))
	require.Equal(t, []string{"conversation:c2"}, receive(t, sub.Updates()))

	require.Eventually(t, func() bool {
		return bus.SubscriberCount("conversation:c2") == 1 && bus.SubscriberCount("conversation:c1") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWatchRefreshUsesClock(t *testing.T) {
	bus := NewBus(nil, "", nil, zerolog.Nop())
	clock := clockwork.NewFakeClock()
	var loads atomic.Int64

	sub := Watch(context.Background(), bus, func(ctx context.Context) (int64, error) {
		return loads.Add(1), nil
	}, WatchOptions[int64]{Name: "test", Refresh: time.Second, Clock: clock}, zerolog.Nop())
	defer sub.Close()

	require.Equal(t, int64(1), receive(t, sub.Updates()))
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	require.Equal(t, int64(2), receive(t, sub.Updates()))
}
