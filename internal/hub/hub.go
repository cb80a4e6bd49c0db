// ABOUTME: Room-keyed registry of live widget WebSocket connections.
// ABOUTME: Routes outbound events to every connection joined to a room.

package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Envelope is the wire frame exchanged with widget clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// Hub tracks connections and their room membership. A room can have several
// connections (the same visitor with multiple tabs); a connection belongs to
// at most one room. Dropped sends to dead connections are logged, never
// retried: rooms outlive sockets.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn            // connection ID -> connection
	rooms  map[string]map[string]*Conn // room ID -> connection ID -> connection
	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		logger: logger.With("component", "hub"),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
	h.logger.Debug("connection registered", "conn_id", c.ID)
}

// Unregister removes a connection and its room membership.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)

	if c.RoomID != "" {
		if members, ok := h.rooms[c.RoomID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, c.RoomID)
			}
		}
	}
	c.close()
	h.logger.Debug("connection unregistered", "conn_id", c.ID, "room_id", c.RoomID)
}

// Drop removes a connection from the hub without closing its socket. Used
// when queued frames must still reach the client; the write pump closes the
// socket once the queue drains.
func (h *Hub) Drop(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)

	if c.RoomID != "" {
		if members, ok := h.rooms[c.RoomID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, c.RoomID)
			}
		}
	}
	h.logger.Debug("connection dropped", "conn_id", c.ID, "room_id", c.RoomID)
}

// JoinRoom binds a connection to a room.
func (h *Hub) JoinRoom(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.RoomID = roomID
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[roomID] = members
	}
	members[c.ID] = c
	h.logger.Debug("connection joined room", "conn_id", c.ID, "room_id", roomID)
}

// ToRoom sends an event to every connection in a room. Returns the number of
// connections the event was queued to.
func (h *Hub) ToRoom(roomID, event string, payload any) int {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encoding room event", "event", event, "error", err)
		return 0
	}
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encoding room frame", "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.queue(frame) {
			n++
		} else {
			h.logger.Warn("dropping event for slow connection", "conn_id", c.ID, "event", event)
			h.Unregister(c)
		}
	}
	return n
}

// RoomSize returns how many connections are joined to a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
