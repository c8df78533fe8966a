// Package server drives individual chat sessions: the join handshake, the
// inbound read loop, and the outbound write loop for each connection.
package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lobbychat/internal/broadcast"
	"github.com/Tyrowin/lobbychat/internal/protocol"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAwaitingJoin
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingJoin:
		return "awaiting_join"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// overflowCloseTimeout bounds how long a lagging peer is offered a close
// frame before its connection is dropped.
const overflowCloseTimeout = time.Second

// Reasons reported to chat_sessions_closed_total.
const (
	closeReasonRead   = "read"
	closeReasonWrite  = "write"
	closeReasonLagged = "lagged"
)

// session is the server side of one connection. username and sub are set
// once in activate, before the write loop starts, and are read-only after.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	id     uuid.UUID
	addr   string
	logger *slog.Logger

	state    atomic.Int32
	username string
	sub      *broadcast.Subscription

	cleanupOnce sync.Once
	closeReason atomic.Value
}

func newSession(hub *Hub, conn *websocket.Conn, id uuid.UUID, addr string) *session {
	s := &session{
		hub:    hub,
		conn:   conn,
		id:     id,
		addr:   addr,
		logger: hub.logger.With("session_id", id.String(), "remote_addr", addr),
	}
	s.state.Store(int32(stateConnecting))
	return s
}

func (s *session) setState(state sessionState) {
	s.state.Store(int32(state))
}

// run executes the session until the connection ends.
func (s *session) run() {
	s.setupReadConnection()
	s.setState(stateAwaitingJoin)

	username, ok := s.awaitJoin()
	if !ok {
		s.hub.forget(s)
		s.hub.metrics.RecordHandshakeAbandoned()
		s.setState(stateClosed)
		s.closeConn()
		return
	}

	if err := s.activate(username); err != nil {
		return
	}

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.writePump()
	}()

	s.readPump()
}

// setupReadConnection configures the message size limit, read deadline and
// pong handler. The handshake has to arrive within one pong timeout.
func (s *session) setupReadConnection() {
	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
}

// extendReadDeadline gives the peer another pong timeout to be heard from.
// It must only be called from the reading goroutine.
func (s *session) extendReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongTimeout)); err != nil {
		s.logger.Debug("Error setting read deadline", "error", err)
	}
}

// readFrame returns the next decodable frame. Non-text frames and frames that
// fail to decode are dropped here.
func (s *session) readFrame() (protocol.ChatMessage, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text frame", "type", messageType)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.hub.metrics.RecordDecodeError()
			s.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}

		s.hub.metrics.RecordFrameReceived(msg.Kind())
		return msg, nil
	}
}

// awaitJoin reads until a Join arrives. Other variants are ignored.
func (s *session) awaitJoin() (string, bool) {
	for {
		msg, err := s.readFrame()
		if err != nil {
			s.logReadError("Connection closed before join", err)
			return "", false
		}

		if join, ok := msg.(protocol.Join); ok {
			return join.Username, true
		}
		s.logger.Debug("Ignoring frame before join", "type", msg.Kind())
	}
}

// activate subscribes, registers, announces the join and sends the roster to
// this connection only. Subscribing first means the session also sees its own
// Join, after the UserList.
func (s *session) activate(username string) error {
	s.username = username
	s.logger = s.logger.With("username", username)
	s.sub = s.hub.router.SubscribeNotify(s.handleOverflow)

	if err := s.hub.activate(s, username, s.sub); err != nil {
		s.logger.Warn("Session could not be registered", "error", err)
		s.sub.Close()
		s.setState(stateClosed)
		s.closeConn()
		return err
	}

	s.setState(stateActive)
	// The handshake deadline ran from connect. The first ping only goes out
	// one PingInterval from now, so restart the clock here.
	s.extendReadDeadline()
	s.hub.Publish(protocol.Join{Username: username})
	s.logger.Info("Session joined", "online", s.hub.SessionCount())

	users := s.hub.registry.SnapshotUsernames()
	if err := s.writeMessage(protocol.UserList{Users: users}); err != nil {
		s.logger.Warn("Error sending user list", "error", err)
		s.cleanup(closeReasonWrite)
		return err
	}
	return nil
}

func (s *session) readPump() {
	defer s.cleanup(closeReasonRead)

	for {
		msg, err := s.readFrame()
		if err != nil {
			s.logReadError("Session disconnected", err)
			return
		}

		chat, ok := msg.(protocol.Message)
		if !ok {
			s.logger.Debug("Ignoring frame from active session", "type", msg.Kind())
			continue
		}

		// The sender name always comes from the session, never the frame.
		s.hub.Publish(protocol.Message{Username: s.username, Content: chat.Content})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval())
	defer func() {
		ticker.Stop()
		s.closeConn()
	}()

	for {
		select {
		case msg, ok := <-s.sub.C():
			if !ok {
				s.handleSubscriptionClosed()
				return
			}
			if err := s.writeMessage(msg); err != nil {
				if !isExpectedCloseError(err) {
					s.logger.Warn("Error writing message", "error", err)
				}
				s.setCloseReason(closeReasonWrite)
				return
			}
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("Error writing ping", "error", err)
				s.setCloseReason(closeReasonWrite)
				return
			}
		}
	}
}

// handleSubscriptionClosed tells the peer the server is going away. A lagged
// subscription is already being dropped by handleOverflow.
func (s *session) handleSubscriptionClosed() {
	if errors.Is(s.sub.Err(), broadcast.ErrSubscriberLagged) {
		return
	}

	_ = s.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// handleOverflow runs on the publisher's goroutine when this session's
// outbound queue overflows. The write loop may be blocked on a stalled peer,
// so the connection is dropped from a separate goroutine.
func (s *session) handleOverflow() {
	s.setCloseReason(closeReasonLagged)
	s.hub.metrics.RecordLaggedSubscriber()
	s.logger.Warn("Dropping session with overflowing outbound queue", "capacity", s.hub.cfg.OutboundBuffer)

	go func() {
		// Best effort: a stalled writer holds the write lock.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "outbound queue overflow")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(overflowCloseTimeout))
		s.closeConn()
	}()
}

func (s *session) writeMessage(msg protocol.ChatMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writeControl(messageType int, data []byte) error {
	return s.conn.WriteControl(messageType, data, time.Now().Add(s.hub.cfg.WriteTimeout))
}

func (s *session) setCloseReason(reason string) {
	s.closeReason.CompareAndSwap(nil, reason)
}

// cleanup runs once per session, whichever loop ends first.
func (s *session) cleanup(reason string) {
	s.cleanupOnce.Do(func() {
		s.setCloseReason(reason)
		previous := sessionState(s.state.Swap(int32(stateClosed)))

		// Only a session that reached Active was announced, so only it leaves.
		if previous == stateActive && s.hub.deactivate(s) {
			s.sub.Close()
			s.hub.Publish(protocol.Leave{Username: s.username})
			s.hub.metrics.RecordSessionClosed(s.closeReason.Load().(string))
			s.logger.Info("Session left", "online", s.hub.SessionCount())
		} else if s.sub != nil {
			s.sub.Close()
		}

		s.closeConn()
	})
}

// closeConn closes the underlying connection. Shutdown calls it from another
// goroutine, so it must not touch fields that activate assigns.
func (s *session) closeConn() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.hub.logger.Debug("Error closing connection", "session_id", s.id.String(), "error", err)
	}
}

func (s *session) logReadError(msg string, err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("Message exceeded maximum size", "limit", s.hub.cfg.MaxMessageSize)
	case isExpectedCloseError(err):
		s.logger.Debug(msg, "error", err)
	default:
		s.logger.Warn(msg, "error", err)
	}
}
