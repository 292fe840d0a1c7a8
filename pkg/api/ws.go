package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forkcast/forkcast/pkg/events"
	"github.com/forkcast/forkcast/pkg/sessionstore"
)

// Client → server actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// wsConn is one WebSocket connection acting as an events.Subscriber. Send
// enqueues onto a bounded queue; the write pump drains it. Overflow closes
// the connection rather than blocking the fan-out path.
type wsConn struct {
	id       string
	identity events.Identity
	sendCh   chan []byte

	closeOnce sync.Once
	closedCh  chan struct{}
	// closeReason is set once before closedCh is closed.
	closeReason string
}

func newWSConn(identity events.Identity, queueSize int) *wsConn {
	return &wsConn{
		id:       uuid.NewString(),
		identity: identity,
		sendCh:   make(chan []byte, queueSize),
		closedCh: make(chan struct{}),
	}
}

func (c *wsConn) ID() string                { return c.id }
func (c *wsConn) Identity() events.Identity { return c.identity }

// Send enqueues without blocking. A full queue means the client cannot keep
// up; the connection is closed with a structured reason and the error tells
// the subscription manager to drop the subscriber.
func (c *wsConn) Send(event []byte) error {
	select {
	case <-c.closedCh:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.sendCh <- event:
		return nil
	default:
		c.close(events.CloseSendQueueOverflow)
		return errors.New("send queue overflow")
	}
}

func (c *wsConn) close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closedCh)
	})
}

// handleWS upgrades the connection and serves it until close. The identity is
// fixed at upgrade time from the sessionId/userId query parameters.
func (s *Server) handleWS(c *gin.Context) {
	identity := events.Identity{
		SessionID: c.Query("sessionId"),
		UserID:    c.Query("userId"),
	}

	if s.cfg.AuthRequired {
		if _, err := s.sessions.Get(c.Request.Context(), identity.SessionID); err != nil {
			status := 401
			if !errors.Is(err, sessionstore.ErrNotFound) {
				status = 503
			}
			c.JSON(status, errorBody("unauthenticated", "valid session required"))
			return
		}
	}

	ws, err := websocket.Accept(c.Writer, c.Request, s.acceptOptions())
	if err != nil {
		s.logger.Warn("WebSocket upgrade rejected", "error", err)
		return
	}

	conn := newWSConn(identity, s.cfg.SendQueueSize)
	s.logger.Info("WebSocket connected",
		"conn_id", conn.id, "session_id", identity.SessionID)

	s.serveConn(c.Request.Context(), ws, conn)

	s.subs.Cleanup(conn)
	s.logger.Info("WebSocket disconnected",
		"conn_id", conn.id, "reason", conn.closeReason)
}

// acceptOptions builds the origin policy. A wildcard entry (development only,
// enforced by config validation) disables the check entirely; an empty list
// restricts to same-origin, which coder/websocket enforces by default.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
}

// serveConn runs the read loop, write pump, and heartbeat until any of them
// ends or the connection is closed.
func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A close from any side (overflow, heartbeat, server shutdown) must abort
	// the blocking read as well.
	go func() {
		select {
		case <-conn.closedCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ctx, ws, conn)
	}()
	go func() {
		defer wg.Done()
		s.heartbeat(ctx, ws, conn)
	}()

	s.readLoop(ctx, ws, conn)
	conn.close(events.CloseServerClose)
	cancel()
	wg.Wait()

	code := websocket.StatusNormalClosure
	if conn.closeReason == events.CloseSendQueueOverflow {
		code = websocket.StatusPolicyViolation
	}
	_ = ws.Close(code, conn.closeReason)
}

// readLoop parses client messages and dispatches subscribe/unsubscribe. Each
// read carries the idle deadline: a silent client is disconnected.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.IdleTimeout)
		_, data, err := ws.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(readCtx.Err(), context.DeadlineExceeded) {
				conn.close(events.CloseIdleTimeout)
			}
			return
		}

		var msg events.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, "", "", "malformed message")
			continue
		}
		s.dispatch(ctx, conn, msg)

		select {
		case <-conn.closedCh:
			return
		default:
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, msg events.ClientMessage) {
	switch msg.Action {
	case actionSubscribe:
		if !s.authorizeSubscribe(ctx, conn, msg) {
			return
		}
		s.subs.Subscribe(ctx, msg.Channel, msg.RequestID, conn)
	case actionUnsubscribe:
		s.subs.Unsubscribe(msg.Channel, msg.RequestID, conn)
	case actionPing:
		if data, err := json.Marshal(gin.H{"type": "pong"}); err == nil {
			_ = conn.Send(data)
		}
	default:
		s.sendError(conn, msg.Channel, msg.RequestID, fmt.Sprintf("unknown action %q", msg.Action))
	}
}

// authorizeSubscribe enforces the authentication policy before the ownership
// check in the manager. A message-level session id must agree with the
// connection identity; it may supply one when the connection has none.
func (s *Server) authorizeSubscribe(ctx context.Context, conn *wsConn, msg events.ClientMessage) bool {
	if msg.SessionID != "" {
		if conn.identity.SessionID == "" {
			conn.identity.SessionID = msg.SessionID
		} else if conn.identity.SessionID != msg.SessionID {
			s.sendNack(conn, msg, events.ReasonSessionMismatch)
			return false
		}
	}
	if conn.identity.SessionID == "" {
		s.sendNack(conn, msg, events.ReasonUnauthenticated)
		return false
	}
	if s.cfg.AuthRequired {
		if _, err := s.sessions.Get(ctx, conn.identity.SessionID); err != nil {
			s.sendNack(conn, msg, events.ReasonUnauthenticated)
			return false
		}
	}
	return true
}

func (s *Server) sendNack(conn *wsConn, msg events.ClientMessage, reason string) {
	data, err := json.Marshal(events.SubNackPayload{
		Type:      events.EventTypeSubNack,
		Channel:   msg.Channel,
		RequestID: msg.RequestID,
		Reason:    reason,
	})
	if err == nil {
		_ = conn.Send(data)
	}
}

func (s *Server) sendError(conn *wsConn, channel, requestID, detail string) {
	data, err := json.Marshal(gin.H{
		"type":      "error",
		"channel":   channel,
		"requestId": requestID,
		"error":     detail,
	})
	if err == nil {
		_ = conn.Send(data)
	}
}

// writePump serializes all writes to the socket.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.closedCh:
			return
		case event := <-conn.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, event)
			cancel()
			if err != nil {
				conn.close(events.CloseServerClose)
				return
			}
		}
	}
}

// heartbeat pings on the configured interval; an unanswered ping closes the
// connection.
func (s *Server) heartbeat(ctx context.Context, ws *websocket.Conn, conn *wsConn) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.closedCh:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.close(events.CloseHeartbeatTimeout)
				return
			}
		}
	}
}
