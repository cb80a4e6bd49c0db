// ABOUTME: One widget WebSocket connection with buffered writes and ping keepalive.
// ABOUTME: Read and write pumps bridge the socket to the relay's event handler.

package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

// Conn wraps one WebSocket connection. Writes go through a buffered channel
// drained by the write pump, so event emission never blocks on a slow socket.
type Conn struct {
	ID     string
	RoomID string

	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce    sync.Once
	closed       chan struct{}
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewConn wraps an upgraded WebSocket connection.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Conn{
		ID:       id,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		logger:   logger.With("component", "conn", "conn_id", id),
		closed:   make(chan struct{}),
		shutdown: make(chan struct{}),
	}
}

// Send queues an event for delivery. Returns false when the connection's
// buffer is full or the connection is closed.
func (c *Conn) Send(event string, payload any) bool {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		c.logger.Error("encoding event", "event", event, "error", err)
		return false
	}
	frame, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("encoding frame", "event", event, "error", err)
		return false
	}
	return c.queue(frame)
}

// SendQueue exposes the outbound frame channel. The write pump is its only
// consumer in production; tests drain it directly.
func (c *Conn) SendQueue() <-chan []byte {
	return c.send
}

// CloseAfterFlush stops accepting new frames and tells the write pump to
// drain what is already queued, send a close frame, and close the socket.
// Unlike close, frames queued before the call still reach the client.
func (c *Conn) CloseAfterFlush() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})
}

// Closing reports whether the connection has started shutting down.
func (c *Conn) Closing() bool {
	select {
	case <-c.shutdown:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) queue(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	case <-c.shutdown:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// Handler processes one inbound envelope from the client.
type Handler func(c *Conn, env Envelope)

// ReadPump reads client frames until the socket closes, dispatching each to
// handler. Runs in the connection's goroutine; onClose fires exactly once
// when the pump exits.
func (c *Conn) ReadPump(handler Handler, onClose func(*Conn)) {
	defer func() {
		onClose(c)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			continue
		}
		handler(c, env)
	}
}

// WritePump drains the send channel to the socket and keeps the connection
// alive with periodic pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.shutdown:
			c.drainAndClose()
			return
		case <-c.closed:
			return
		}
	}
}

// drainAndClose flushes every frame queued before shutdown, then sends the
// close frame. The pump's deferred close tears down the socket afterwards.
func (c *Conn) drainAndClose() {
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
