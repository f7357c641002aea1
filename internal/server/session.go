package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/haitao-520/cursor-ESP8266/internal/protocol"
	"github.com/haitao-520/cursor-ESP8266/internal/relay"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent at the transport level.
	// Any pong resets it, so an idle but healthy peer is never dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second

	// maxMessageSize limits one inbound frame.
	maxMessageSize = 512 * 1024
)

// Session is one WebSocket connection. It implements relay.Endpoint.
type Session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan protocol.Message

	// done is closed to ask writePump to flush and close the connection.
	done      chan struct{}
	closeOnce sync.Once

	// state is owned by the readPump goroutine.
	state relay.SessionState

	limiter *rate.Limiter
	logger  zerolog.Logger
}

// SessionID returns the session's uuid.
func (c *Session) SessionID() string {
	return c.id
}

// Send queues msg without blocking. It returns false when the session is
// closing or its buffer is full.
func (c *Session) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn().Str("type", string(msg.Type)).Msg("send buffer full, dropping message")
		return false
	}
}

// Close asks the session to terminate. Queued messages are flushed first.
// It is safe to call multiple times from different goroutines.
func (c *Session) Close() {
	c.closeSend()
}

// closeSend signals writePump to shut down exactly once. Only done is
// closed, never send, so concurrent Send calls cannot panic.
func (c *Session) closeSend() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued messages to the WebSocket and keeps the transport
// alive with pings. It is the only goroutine that writes to conn.
func (c *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued. Used on shutdown so a session
// closed right after a message (auth.superseded) still receives it.
func (c *Session) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Session) write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to marshal message")
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads frames from the WebSocket and dispatches them. When it
// returns the session is gone: it is removed from the relay exactly once
// and writePump is told to stop.
func (c *Session) readPump() {
	defer func() {
		c.server.sessions.Remove(c.id)
		c.server.relay.Disconnect(c, c.state)
		c.closeSend()
		c.logger.Info().Str("state", c.state.String()).
			Int("remaining", c.server.SessionCount()).Msg("session closed")
		c.server.active.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		// Application traffic also proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.sendError(errRateLimited)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError(errMalformedEnvelope)
			continue
		}

		c.dispatch(env)
	}
}
