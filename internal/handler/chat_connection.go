package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/clientsync-realtime/internal/dto"
	"github.com/noah-isme/clientsync-realtime/internal/models"
	"github.com/noah-isme/clientsync-realtime/internal/service"
)

const (
	chatSendBufferSize = 32
	chatPingInterval   = 30 * time.Second
	chatReadTimeout    = 2 * chatPingInterval
	chatOfflineTimeout = 5 * time.Second
)

var (
	errNoActiveSession         = &requestError{status: fiber.StatusConflict, message: "no active conversation session"}
	errMissingPayload          = &requestError{status: fiber.StatusBadRequest, message: "payload missing or malformed"}
	errUnknownOperation        = &requestError{status: fiber.StatusBadRequest, message: "unknown operation"}
	errInsufficientPermissions = &requestError{status: fiber.StatusForbidden, message: "insufficient permissions"}
)

// chatClient is the server side of one chat websocket.
type chatClient struct {
	handler   *ChatHandler
	conn      *websocket.Conn
	principal models.Principal
	logger    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	send    chan dto.ServerEvent
	tracker *service.PresenceTracker
	manager *service.SessionManager

	wg       sync.WaitGroup
	graceful bool
}

func newChatClient(h *ChatHandler, conn *websocket.Conn, principal models.Principal, base context.Context, logger zerolog.Logger) *chatClient {
	ctx, cancel := context.WithCancel(context.WithoutCancel(base))
	return &chatClient{
		handler:   h,
		conn:      conn,
		principal: principal,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan dto.ServerEvent, chatSendBufferSize),
		tracker:   service.NewPresenceTracker(h.presence),
		manager:   h.sessions.NewManager(principal),
	}
}

// serve blocks until the connection ends. A close frame or an offline request takes the user
// offline gracefully; any other termination relies on the presence lease ending with ctx.
func (c *chatClient) serve() {
	if err := c.tracker.Start(c.ctx, c.principal.ID, c.principal.Name()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to mark user online")
	}

	conversations := c.handler.directory.SubscribeForUser(c.ctx, c.principal.ID)
	presence := c.handler.presence.SubscribeAll(c.ctx)

	c.wg.Add(3)
	go c.writer()
	go func() {
		defer c.wg.Done()
		for list := range conversations.Updates() {
			c.push(dto.ServerEvent{Type: dto.EventConversations, Data: dto.ConversationListView{Conversations: list}})
		}
		if err := conversations.Err(); err != nil && !errors.Is(err, service.ErrSubscriptionClosed) {
			c.push(dto.ServerEvent{Type: dto.EventConversations, Data: dto.ConversationListView{Error: err.Error()}})
		}
	}()
	go func() {
		defer c.wg.Done()
		for snapshot := range presence.Updates() {
			c.push(dto.ServerEvent{Type: dto.EventPresence, Data: snapshot})
		}
	}()

	c.reader()

	c.manager.Deactivate()
	conversations.Close()
	presence.Close()
	if c.graceful {
		offlineCtx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), chatOfflineTimeout)
		if err := c.tracker.Stop(offlineCtx); err != nil {
			c.logger.Warn().Err(err).Msg("failed to mark user offline")
		}
		cancel()
	}
	c.cancel()
	c.wg.Wait()
	_ = c.conn.Close()
}

func (c *chatClient) reader() {
	_ = c.conn.SetReadDeadline(time.Now().Add(chatReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(chatReadTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.graceful = websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(chatReadTimeout))

		var frame dto.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.push(dto.ServerEvent{Type: dto.EventError, Error: "malformed frame"})
			continue
		}
		if err := c.handler.validator.Struct(frame); err != nil {
			c.push(dto.ServerEvent{Type: dto.EventError, RequestID: frame.RequestID, Error: err.Error()})
			continue
		}

		if frame.Op == dto.OpOffline {
			c.graceful = true
			c.push(dto.ServerEvent{Type: dto.EventAck, RequestID: frame.RequestID})
			return
		}

		data, err := c.dispatch(frame)
		if err != nil {
			c.push(dto.ServerEvent{Type: dto.EventError, RequestID: frame.RequestID, Error: errorMessage(err)})
			continue
		}
		if frame.RequestID != "" {
			c.push(dto.ServerEvent{Type: dto.EventAck, RequestID: frame.RequestID, Data: data})
		}
	}
}

func (c *chatClient) dispatch(frame dto.ClientFrame) (interface{}, error) {
	switch frame.Op {
	case dto.OpList:
		conversations, err := c.handler.directory.ListForUser(c.ctx, c.principal.ID)
		if err != nil {
			return nil, err
		}
		return dto.ConversationListView{Conversations: conversations}, nil

	case dto.OpOpen:
		session, err := c.manager.Activate(c.ctx, strings.TrimSpace(frame.ConversationID))
		if err != nil {
			return nil, err
		}
		c.watchSession(session)
		return map[string]string{"conversationId": session.ConversationID()}, nil

	case dto.OpClose:
		c.manager.Deactivate()
		return nil, nil

	case dto.OpSend:
		session, err := c.activeSession(frame.ConversationID)
		if err != nil {
			return nil, err
		}
		var req dto.SendMessageRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		return session.Send(c.ctx, req)

	case dto.OpTyping:
		session, err := c.activeSession(frame.ConversationID)
		if err != nil {
			return nil, err
		}
		session.SetTyping(c.ctx, frame.IsTyping)
		return nil, nil

	case dto.OpMarkRead:
		session, err := c.activeSession(frame.ConversationID)
		if err != nil {
			return nil, err
		}
		updated, err := session.MarkRead(c.ctx)
		if err != nil {
			return nil, err
		}
		return dto.MarkReadResponse{ConversationID: session.ConversationID(), Updated: int(updated)}, nil

	case dto.OpCreate:
		if !isStaff(c.principal) {
			return nil, errInsufficientPermissions
		}
		var req dto.CreateConversationRequest
		if err := decodePayload(frame.Payload, &req); err != nil {
			return nil, err
		}
		id, err := c.handler.directory.Create(c.ctx, c.principal, req)
		if err != nil {
			return nil, err
		}
		return dto.CreateConversationResponse{ID: id}, nil
	}

	return nil, errUnknownOperation
}

// watchSession forwards every view of session until it is closed.
func (c *chatClient) watchSession(session *service.Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for view := range session.Updates() {
			c.push(dto.ServerEvent{Type: dto.EventSession, Data: view})
		}
	}()
}

func (c *chatClient) activeSession(conversationID string) (*service.Session, error) {
	session := c.manager.Current()
	if session == nil {
		return nil, errNoActiveSession
	}
	if id := strings.TrimSpace(conversationID); id != "" && id != session.ConversationID() {
		return nil, errNoActiveSession
	}
	return session, nil
}

func (c *chatClient) push(event dto.ServerEvent) {
	select {
	case c.send <- event:
	case <-c.ctx.Done():
	}
}

func (c *chatClient) writer() {
	defer c.wg.Done()

	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("chat ping failed")
				c.abort()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// abort unblocks the reader after a write failure; the user goes offline via the lease.
func (c *chatClient) abort() {
	c.cancel()
	_ = c.conn.Close()
}

// flush writes whatever acks are still queued when the connection winds down.
func (c *chatClient) flush() {
	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		default:
			return
		}
	}
}

func decodePayload(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return errMissingPayload
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errMissingPayload
	}
	return nil
}
