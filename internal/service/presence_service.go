package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/observability"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
)

const (
	defaultPresenceLeaseTTL       = 30 * time.Second
	defaultPresenceReaperInterval = 15 * time.Second

	presenceCauseGraceful   = "graceful"
	presenceCauseDisconnect = "disconnect"
	presenceCauseReaper     = "reaper"
)

// PresenceSnapshot maps user ids to their presence record.
type PresenceSnapshot map[string]models.PresenceRecord

// PresenceConfig tunes lease and reaper timing.
type PresenceConfig struct {
	ChannelBase    string
	LeaseTTL       time.Duration
	ReaperInterval time.Duration
	Clock          clockwork.Clock
}

// PresenceService tracks global online status keyed by connection lifetime.
type PresenceService interface {
	// GoOnline marks the user online for as long as ctx lives and returns the lease held by
	// this connection. When ctx ends without a release the lease ends on its own, and the
	// record flips to offline once the user holds no other lease.
	GoOnline(ctx context.Context, userID, name string) (*PresenceLease, error)
	// GoOffline ends every lease the user holds on this node and records them offline.
	GoOffline(ctx context.Context, userID, name string) error
	Snapshot(ctx context.Context) (PresenceSnapshot, error)
	SubscribeAll(ctx context.Context) *realtime.Subscription[PresenceSnapshot]
	Start(ctx context.Context)
}

type presenceService struct {
	redis     *redis.Client
	bus       *realtime.Bus
	hashKey   string
	leaseNS   string
	leaseTTL  time.Duration
	keepalive time.Duration
	reaper    time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger
	baseLog   zerolog.Logger

	mu     sync.Mutex
	leases map[string]map[*PresenceLease]struct{}
}

// PresenceLease is one connection's claim on a user's online status.
type PresenceLease struct {
	service *presenceService
	id      string
	userID  string
	name    string
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Release ends this lease gracefully. The user stays online while any other lease lives.
func (l *PresenceLease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.service.end(ctx, l, presenceCauseGraceful)
	})
	return err
}

// NewPresenceService constructs a redis-backed presence tracker.
func NewPresenceService(redisClient *redis.Client, bus *realtime.Bus, cfg PresenceConfig, logger zerolog.Logger) PresenceService {
	base := cfg.ChannelBase
	if base == "" {
		base = "clientsync"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultPresenceLeaseTTL
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = defaultPresenceReaperInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &presenceService{
		redis:     redisClient,
		bus:       bus,
		hashKey:   base + ":presence",
		leaseNS:   base + ":presence:lease:",
		leaseTTL:  cfg.LeaseTTL,
		keepalive: cfg.LeaseTTL / 3,
		reaper:    cfg.ReaperInterval,
		clock:     cfg.Clock,
		logger:    logger.With().Str("component", "presence_service").Logger(),
		baseLog:   logger,
		leases:    make(map[string]map[*PresenceLease]struct{}),
	}
}

func (s *presenceService) GoOnline(ctx context.Context, userID, name string) (*PresenceLease, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	lease := &PresenceLease{
		service: s,
		id:      uuid.NewString(),
		userID:  userID,
		name:    name,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if _, ok := s.leases[userID]; !ok {
		s.leases[userID] = make(map[*PresenceLease]struct{})
	}
	s.leases[userID][lease] = struct{}{}
	s.mu.Unlock()

	// The disconnect action is armed even when the writes fail, so the lease is always released.
	defer func() { go s.hold(ctx, lease) }()

	writeCtx := context.WithoutCancel(ctx)
	if err := s.touchLease(writeCtx, lease); err != nil {
		return lease, err
	}
	if err := s.write(writeCtx, userID, models.PresenceRecord{Online: true, LastSeen: s.clock.Now().UTC(), Name: name}); err != nil {
		return lease, err
	}
	observability.PresenceTransitionsTotal().WithLabelValues("online", presenceCauseGraceful).Inc()
	return lease, nil
}

func (s *presenceService) GoOffline(ctx context.Context, userID, name string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	leases := s.leases[userID]
	delete(s.leases, userID)
	s.mu.Unlock()

	// Cancel the disconnect actions and wait for their keepalives to stop touching the lease.
	for lease := range leases {
		lease.once.Do(func() {
			close(lease.stop)
			<-lease.done
		})
		s.dropLeaseKey(ctx, lease)
	}

	return s.markOffline(ctx, userID, name, presenceCauseGraceful)
}

func (s *presenceService) Snapshot(ctx context.Context) (PresenceSnapshot, error) {
	raw, err := s.redis.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}

	snapshot := make(PresenceSnapshot, len(raw))
	for userID, value := range raw {
		var record models.PresenceRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("skipping malformed presence record")
			continue
		}
		snapshot[userID] = record
	}
	return snapshot, nil
}

func (s *presenceService) SubscribeAll(ctx context.Context) *realtime.Subscription[PresenceSnapshot] {
	return realtime.Watch(ctx, s.bus, s.Snapshot, realtime.WatchOptions[PresenceSnapshot]{
		Name:   "presence",
		Topics: []string{realtime.PresenceTopic},
		Clock:  s.clock,
	}, s.baseLog)
}

// Start runs the reaper that flips records whose liveness lease expired, e.g. after a node crash.
func (s *presenceService) Start(ctx context.Context) {
	go func() {
		ticker := s.clock.NewTicker(s.reaper)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.reapOnce(ctx)
			}
		}
	}()
}

func (s *presenceService) hold(ctx context.Context, lease *PresenceLease) {
	defer close(lease.done)
	ticker := s.clock.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-lease.stop:
			return
		case <-ctx.Done():
			if err := s.end(context.Background(), lease, presenceCauseDisconnect); err != nil {
				s.logger.Warn().Err(err).Str("user_id", lease.userID).Msg("presence disconnect write failed")
			}
			return
		case <-ticker.Chan():
			if err := s.touchLease(context.WithoutCancel(ctx), lease); err != nil {
				s.logger.Warn().Err(err).Str("user_id", lease.userID).Msg("presence keepalive failed")
			}
		}
	}
}

// end retires a single lease and writes offline only when the user holds no other lease on any node.
func (s *presenceService) end(ctx context.Context, lease *PresenceLease, cause string) error {
	s.mu.Lock()
	leases, ok := s.leases[lease.userID]
	if _, held := leases[lease]; !ok || !held {
		// GoOffline already took this lease.
		s.mu.Unlock()
		return nil
	}
	delete(leases, lease)
	remaining := len(leases)
	if remaining == 0 {
		delete(s.leases, lease.userID)
	}
	s.mu.Unlock()

	s.dropLeaseKey(ctx, lease)
	if remaining > 0 {
		return nil
	}

	alive, err := s.leaseAlive(ctx, lease.userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", lease.userID).Msg("failed to check remote presence leases")
	}
	if alive {
		return nil
	}
	return s.markOffline(ctx, lease.userID, lease.name, cause)
}

func (s *presenceService) markOffline(ctx context.Context, userID, name, cause string) error {
	if err := s.write(ctx, userID, models.PresenceRecord{Online: false, LastSeen: s.clock.Now().UTC(), Name: name}); err != nil {
		return err
	}
	observability.PresenceTransitionsTotal().WithLabelValues("offline", cause).Inc()
	return nil
}

func (s *presenceService) reapOnce(ctx context.Context) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("presence reaper could not load records")
		return
	}

	for userID, record := range snapshot {
		if !record.Online || s.hasLocalLease(userID) {
			continue
		}
		alive, err := s.leaseAlive(ctx, userID)
		if err != nil || alive {
			continue
		}
		if err := s.markOffline(ctx, userID, record.Name, presenceCauseReaper); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("presence reaper write failed")
		}
	}
}

func (s *presenceService) hasLocalLease(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases[userID]) > 0
}

// leaseAlive reports whether any node still holds an unexpired lease for the user.
func (s *presenceService) leaseAlive(ctx context.Context, userID string) (bool, error) {
	iter := s.redis.Scan(ctx, 0, s.leasePattern(userID), 100).Iterator()
	if iter.Next(ctx) {
		return true, nil
	}
	return false, iter.Err()
}

func (s *presenceService) touchLease(ctx context.Context, lease *PresenceLease) error {
	if err := s.redis.SetEx(ctx, s.leaseKey(lease), s.clock.Now().UTC().Format(time.RFC3339Nano), s.leaseTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence lease: %w", err)
	}
	return nil
}

func (s *presenceService) dropLeaseKey(ctx context.Context, lease *PresenceLease) {
	if err := s.redis.Del(ctx, s.leaseKey(lease)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("user_id", lease.userID).Msg("failed to drop presence lease")
	}
}

func (s *presenceService) write(ctx context.Context, userID string, record models.PresenceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.redis.HSet(ctx, s.hashKey, userID, payload).Err(); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	if err := s.bus.Publish(ctx, realtime.PresenceTopic); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish presence change")
	}
	return nil
}

func (s *presenceService) leaseKey(lease *PresenceLease) string {
	return s.leaseNS + lease.userID + ":" + lease.id
}

func (s *presenceService) leasePattern(userID string) string {
	return s.leaseNS + globEscaper.Replace(userID) + ":*"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// PresenceTracker owns one client session's presence lifecycle.
type PresenceTracker struct {
	service PresenceService

	mu     sync.Mutex
	lease  *PresenceLease
	cancel context.CancelFunc
}

// NewPresenceTracker binds a tracker to the presence service.
func NewPresenceTracker(service PresenceService) *PresenceTracker {
	return &PresenceTracker{service: service}
}

// Start marks the user online until Stop is called or ctx ends.
func (t *PresenceTracker) Start(ctx context.Context, userID, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	connCtx, cancel := context.WithCancel(ctx)
	lease, err := t.service.GoOnline(connCtx, userID, name)
	if lease == nil {
		cancel()
		return err
	}
	t.lease = lease
	t.cancel = cancel
	return err
}

// Stop releases this session's lease gracefully. It is safe to call more than once.
func (t *PresenceTracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, lease := t.cancel, t.lease
	t.cancel, t.lease = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	err := lease.Release(ctx)
	cancel()
	return err
}
