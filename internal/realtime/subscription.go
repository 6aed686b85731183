package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/observability"
)

// ErrSubscriptionClosed is returned by Err once a subscription has been closed.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Loader reads the complete current state for a subscription.
type Loader[T any] func(ctx context.Context) (T, error)

// WatchOptions tunes a subscription.
type WatchOptions[T any] struct {
	// Name labels log lines and metrics.
	Name string
	// Topics are always watched.
	Topics []string
	// ExtraTopics derives additional topics from the latest snapshot.
	ExtraTopics func(T) []string
	// Refresh reloads on a timer in addition to change signals. Zero disables it.
	Refresh time.Duration
	Clock   clockwork.Clock
}

// Subscription delivers full snapshots of some state: once on start and again after every change.
// A load failure is terminal: Updates is closed and Err reports the cause.
type Subscription[T any] struct {
	updates chan T

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// Watch starts a subscription that reloads via load whenever one of its topics changes.
func Watch[T any](ctx context.Context, bus *Bus, load Loader[T], opts WatchOptions[T], logger zerolog.Logger) *Subscription[T] {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Name == "" {
		opts.Name = "subscription"
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription[T]{
		updates: make(chan T, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go sub.run(ctx, bus, load, opts, logger.With().Str("component", "subscription").Str("subscription", opts.Name).Logger())
	return sub
}

// Updates yields snapshots. Only the most recent undelivered snapshot is retained.
func (s *Subscription[T]) Updates() <-chan T {
	return s.updates
}

// Done is closed once the subscription has stopped, by Close or by a failure.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err reports the load failure that ended the subscription, or ErrSubscriptionClosed after Close.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrSubscriptionClosed
	}
	return nil
}

// Close stops delivery and discards any undelivered snapshot. It is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		<-s.done
		for range s.updates {
		}
	})
}

func (s *Subscription[T]) run(ctx context.Context, bus *Bus, load Loader[T], opts WatchOptions[T], logger zerolog.Logger) {
	defer close(s.done)
	defer close(s.updates)

	signal := make(chan struct{}, 1)
	watched := make(map[string]func())
	defer func() {
		for _, cancel := range watched {
			cancel()
		}
	}()

	watch := func(topics []string) {
		wanted := make(map[string]struct{}, len(topics))
		for _, topic := range topics {
			wanted[topic] = struct{}{}
			if _, ok := watched[topic]; ok {
				continue
			}
			ch, cancel := bus.Subscribe(topic)
			watched[topic] = cancel
			go forward(ch, signal)
		}
		for topic, cancel := range watched {
			if _, ok := wanted[topic]; !ok {
				cancel()
				delete(watched, topic)
			}
		}
	}

	// Subscribe before the first load so no change between load and watch is missed.
	watch(opts.Topics)

	var tick <-chan time.Time
	if opts.Refresh > 0 {
		ticker := opts.Clock.NewTicker(opts.Refresh)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	reload := func() bool {
		snapshot, err := load(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err != nil {
			observability.SubscriptionErrorsTotal().WithLabelValues(opts.Name).Inc()
			logger.Warn().Err(err).Msg("subscription load failed")
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return false
		}
		if opts.ExtraTopics != nil {
			topics := append(append([]string{}, opts.Topics...), opts.ExtraTopics(snapshot)...)
			watch(topics)
		}
		replace(s.updates, snapshot)
		return true
	}

	if !reload() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
		case <-tick:
		}
		if !reload() {
			return
		}
	}
}

func forward(events <-chan Event, signal chan<- struct{}) {
	for range events {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

// replace drops a pending undelivered value so the consumer always sees the latest one.
func replace[T any](ch chan T, value T) {
	for {
		select {
		case ch <- value:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
