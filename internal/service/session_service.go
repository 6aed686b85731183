package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/dto"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/realtime"
)

const defaultTypingDebounce = time.Second

// SessionState is the lifecycle state of an active conversation session.
type SessionState string

const (
	SessionLoading SessionState = "loading"
	SessionReady   SessionState = "ready"
	SessionSending SessionState = "sending"
	SessionIdle    SessionState = "idle"
	SessionError   SessionState = "error"
)

// SessionConfig tunes conversation sessions.
type SessionConfig struct {
	TypingDebounce time.Duration
	Clock          clockwork.Clock
}

// SessionService opens conversation sessions over the message, typing and notification components.
type SessionService struct {
	directory     DirectoryService
	messages      MessageStore
	typing        TypingService
	notifications NotificationService
	validator     *validator.Validate
	debounce      time.Duration
	clock         clockwork.Clock
	logger        zerolog.Logger
}

// NewSessionService wires the conversation session orchestrator.
func NewSessionService(directory DirectoryService, messages MessageStore, typing TypingService, notifications NotificationService, validate *validator.Validate, cfg SessionConfig, logger zerolog.Logger) *SessionService {
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = defaultTypingDebounce
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &SessionService{
		directory:     directory,
		messages:      messages,
		typing:        typing,
		notifications: notifications,
		validator:     validate,
		debounce:      cfg.TypingDebounce,
		clock:         cfg.Clock,
		logger:        logger.With().Str("component", "session_service").Logger(),
	}
}

// Open activates a session for principal on conversationID. The principal must be a participant.
func (s *SessionService) Open(ctx context.Context, conversationID string, principal models.Principal) (*Session, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrConversationNotFound
	}

	conversation, err := s.directory.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(principal.ID) {
		return nil, ErrNotParticipant
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &Session{
		service:        s,
		conversationID: conversationID,
		principal:      principal,
		ctx:            sessionCtx,
		cancel:         cancel,
		updates:        make(chan dto.SessionView, 1),
		done:           make(chan struct{}),
		state:          SessionLoading,
		logger: s.logger.With().
			Str("conversation_id", conversationID).
			Str("user_id", principal.ID).
			Logger(),
	}

	session.messageSub = s.messages.Subscribe(sessionCtx, conversationID)
	session.typingSub = s.typing.Subscribe(sessionCtx, conversationID)
	go session.run()

	return session, nil
}

// NewManager returns a manager that keeps at most one active session for principal.
func (s *SessionService) NewManager(principal models.Principal) *SessionManager {
	return &SessionManager{service: s, principal: principal}
}

// Session binds one principal to one active conversation.
type Session struct {
	service        *SessionService
	conversationID string
	principal      models.Principal

	ctx    context.Context
	cancel context.CancelFunc

	messageSub *realtime.Subscription[[]models.Message]
	typingSub  *realtime.Subscription[TypingSnapshot]

	updates chan dto.SessionView
	done    chan struct{}
	once    sync.Once

	mu           sync.Mutex
	state        SessionState
	messages     []models.Message
	typingUsers  TypingSnapshot
	haveMessages bool
	haveTyping   bool
	err          error
	closed       bool
	typingTimer  clockwork.Timer

	updatesClosed bool

	logger zerolog.Logger
}

// ConversationID returns the id the session is bound to.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Updates yields the latest session view after every change. Closed when the session is closed.
func (s *Session) Updates() <-chan dto.SessionView {
	return s.updates
}

// View returns the current session view.
func (s *Session) View() dto.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send appends a message, clears the sender's typing indicator and notifies the other participants.
// Text that is blank after sanitising, without an attachment, is ignored and returns a nil message.
func (s *Session) Send(ctx context.Context, req dto.SendMessageRequest) (*models.Message, error) {
	if isBlankSend(req) {
		return nil, nil
	}
	if err := s.service.validator.Struct(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.state == SessionError {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	previous := s.state
	s.state = SessionSending
	s.mu.Unlock()
	s.publishView()

	message, err := s.service.deliver(ctx, s.conversationID, s.principal, req)
	if err != nil {
		s.finishSend(previous)
		s.logger.Warn().Err(err).Msg("failed to append message")
		return nil, err
	}

	s.stopTypingTimer()
	s.finishSend(SessionIdle)
	return message, nil
}

// Send delivers a message for principal without holding a live session, as the REST surface does.
func (s *SessionService) Send(ctx context.Context, conversationID string, principal models.Principal, req dto.SendMessageRequest) (*models.Message, error) {
	if isBlankSend(req) {
		return nil, nil
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, err
	}
	return s.deliver(ctx, conversationID, principal, req)
}

func (s *SessionService) deliver(ctx context.Context, conversationID string, principal models.Principal, req dto.SendMessageRequest) (*models.Message, error) {
	conversation, err := s.directory.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(principal.ID) {
		return nil, ErrNotParticipant
	}

	participant := conversation.Participants[principal.ID]
	recipients := conversation.OtherParticipants(principal.ID)
	recipientID := ""
	if conversation.Type == models.ConversationTypeDirect && len(recipients) == 1 {
		recipientID = recipients[0]
	}

	message, err := s.messages.Append(ctx, conversationID, AppendRequest{
		Text:        req.Text,
		SenderID:    principal.ID,
		SenderName:  principal.Name(),
		SenderRole:  participant.Role,
		RecipientID: recipientID,
		Type:        req.Type,
		FileURL:     req.FileURL,
		FileType:    req.FileType,
		ReplyTo:     req.ReplyTo,
	})
	if errors.Is(err, ErrEmptyMessage) {
		// Markup-only text sanitises to nothing; treat it like blank input.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.typing.ClearTyping(ctx, conversationID, principal.ID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to clear typing state after send")
	}

	for _, recipient := range recipients {
		s.notifications.Emit(ctx, recipient, principal.Name(), conversationID, principal.ID)
	}

	return &message, nil
}

func isBlankSend(req dto.SendMessageRequest) bool {
	return strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.FileURL) == ""
}

// SetTyping toggles the caller's typing indicator. A true value clears itself after the debounce
// unless refreshed. Failures are logged only.
func (s *Session) SetTyping(ctx context.Context, isTyping bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !isTyping {
		s.stopTypingTimer()
		if err := s.service.typing.ClearTyping(ctx, s.conversationID, s.principal.ID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear typing state")
		}
		return
	}

	if err := s.service.typing.SetTyping(ctx, s.conversationID, s.principal.ID, s.principal.Name()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write typing state")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	var timer clockwork.Timer
	timer = s.service.clock.AfterFunc(s.service.debounce, func() {
		s.mu.Lock()
		if s.typingTimer != timer {
			s.mu.Unlock()
			return
		}
		s.typingTimer = nil
		s.mu.Unlock()

		if err := s.service.typing.ClearTyping(context.Background(), s.conversationID, s.principal.ID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear typing state after debounce")
		}
	})
	s.typingTimer = timer
}

// MarkRead flips messages of other senders in the recent window to read.
func (s *Session) MarkRead(ctx context.Context) (int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}
	return s.service.messages.MarkRead(ctx, s.conversationID, s.principal.ID)
}

// Close tears down both subscriptions and the caller's typing indicator. It is idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		wasTyping := s.typingTimer != nil
		if s.typingTimer != nil {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		s.mu.Unlock()

		s.cancel()
		s.messageSub.Close()
		s.typingSub.Close()
		<-s.done
		for range s.updates {
		}

		if wasTyping {
			if err := s.service.typing.ClearTyping(context.Background(), s.conversationID, s.principal.ID); err != nil {
				s.logger.Warn().Err(err).Msg("failed to clear typing state on close")
			}
		}
	})
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.updatesClosed = true
		close(s.updates)
		s.mu.Unlock()
	}()

	messages := s.messageSub.Updates()
	typing := s.typingSub.Updates()

	s.publishView()

	for {
		select {
		case <-s.ctx.Done():
			return
		case snapshot, ok := <-messages:
			if !ok {
				s.fail(s.messageSub.Err())
				return
			}
			s.mu.Lock()
			s.messages = snapshot
			s.haveMessages = true
			s.promoteLocked()
			s.mu.Unlock()
		case snapshot, ok := <-typing:
			if !ok {
				s.fail(s.typingSub.Err())
				return
			}
			s.mu.Lock()
			s.typingUsers = snapshot.Without(s.principal.ID)
			s.haveTyping = true
			s.promoteLocked()
			s.mu.Unlock()
		}
		s.publishView()
	}
}

func (s *Session) promoteLocked() {
	if s.state == SessionLoading && s.haveMessages && s.haveTyping {
		s.state = SessionReady
	}
}

func (s *Session) fail(err error) {
	if err == nil || errors.Is(err, ErrSubscriptionClosed) || s.ctx.Err() != nil {
		return
	}
	s.logger.Warn().Err(err).Msg("conversation session subscription failed")

	s.mu.Lock()
	s.state = SessionError
	s.err = err
	s.mu.Unlock()
	s.publishView()

	s.messageSub.Close()
	s.typingSub.Close()
}

func (s *Session) finishSend(next SessionState) {
	s.mu.Lock()
	if s.state == SessionSending {
		if !s.haveMessages || !s.haveTyping {
			next = SessionLoading
		}
		s.state = next
	}
	s.mu.Unlock()
	s.publishView()
}

func (s *Session) stopTypingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
}

// publishView hands the latest view to Updates, replacing any undelivered one.
func (s *Session) publishView() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.updatesClosed {
		return
	}
	view := s.viewLocked()

	for {
		select {
		case s.updates <- view:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) viewLocked() dto.SessionView {
	messages := make([]models.Message, len(s.messages))
	copy(messages, s.messages)
	typing := make(map[string]models.TypingState, len(s.typingUsers))
	for id, state := range s.typingUsers {
		typing[id] = state
	}

	view := dto.SessionView{
		ConversationID: s.conversationID,
		State:          string(s.state),
		Messages:       messages,
		TypingUsers:    typing,
	}
	if s.err != nil {
		view.Error = s.err.Error()
	}
	return view
}

// SessionManager keeps at most one active session per connection.
type SessionManager struct {
	service   *SessionService
	principal models.Principal

	mu      sync.Mutex
	current *Session
}

// Activate closes the current session, if any, before opening one for conversationID.
func (m *SessionManager) Activate(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Close()
		m.current = nil
	}

	session, err := m.service.Open(ctx, conversationID, m.principal)
	if err != nil {
		return nil, err
	}
	m.current = session
	return session, nil
}

// Current returns the active session or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Deactivate closes the active session.
func (m *SessionManager) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
