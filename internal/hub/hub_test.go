// ABOUTME: Tests for the room-keyed connection hub.
// ABOUTME: Covers room membership, event fan-out, and slow-connection eviction.

package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn() *Conn {
	return NewConn(nil, nil)
}

func drain(t *testing.T, c *Conn) Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	default:
		t.Fatal("no frame queued")
		return Envelope{}
	}
}

func TestJoinRoomAndFanOut(t *testing.T) {
	h := New(nil)

	a, b := testConn(), testConn()
	h.Register(a)
	h.Register(b)
	h.JoinRoom(a, "room-1")
	h.JoinRoom(b, "room-1")

	n := h.ToRoom("room-1", "message", map[string]string{"content": "hello"})
	assert.Equal(t, 2, n)

	for _, c := range []*Conn{a, b} {
		env := drain(t, c)
		assert.Equal(t, "message", env.Event)

		var payload map[string]string
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, "hello", payload["content"])
	}
}

func TestToRoomIsolation(t *testing.T) {
	h := New(nil)

	a, b := testConn(), testConn()
	h.Register(a)
	h.Register(b)
	h.JoinRoom(a, "room-1")
	h.JoinRoom(b, "room-2")

	n := h.ToRoom("room-1", "message", nil)
	assert.Equal(t, 1, n)
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 0)
}

func TestToRoomEmptyRoom(t *testing.T) {
	h := New(nil)
	assert.Equal(t, 0, h.ToRoom("ghost", "message", nil))
}

func TestUnregisterRemovesRoomMembership(t *testing.T) {
	h := New(nil)

	c := testConn()
	h.Register(c)
	h.JoinRoom(c, "room-1")
	require.Equal(t, 1, h.RoomSize("room-1"))

	h.Unregister(c)
	assert.Equal(t, 0, h.RoomSize("room-1"))
	assert.Equal(t, 0, h.ConnCount())
	assert.Equal(t, 0, h.ToRoom("room-1", "message", nil))
}

func TestSlowConnectionEvicted(t *testing.T) {
	h := New(nil)

	c := testConn()
	h.Register(c)
	h.JoinRoom(c, "room-1")

	// Fill the send buffer so the next queue fails.
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.queue([]byte("{}")))
	}

	n := h.ToRoom("room-1", "message", nil)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.ConnCount(), "slow connection should be unregistered")
}

func TestSendAfterCloseFails(t *testing.T) {
	h := New(nil)

	c := testConn()
	h.Register(c)
	h.Unregister(c)

	assert.False(t, c.Send("message", nil))
}

func TestDropKeepsQueuedFrames(t *testing.T) {
	h := New(nil)

	c := testConn()
	h.Register(c)
	h.JoinRoom(c, "room-1")
	require.True(t, c.Send("error", map[string]string{"message": "invalid token"}))

	h.Drop(c)
	assert.Equal(t, 0, h.ConnCount())
	assert.Equal(t, 0, h.RoomSize("room-1"))
	assert.Len(t, c.send, 1, "drop must not discard frames awaiting the write pump")
}

func TestSendAfterCloseAfterFlushFails(t *testing.T) {
	c := testConn()
	require.True(t, c.Send("first", nil))

	c.CloseAfterFlush()
	assert.True(t, c.Closing())
	assert.False(t, c.Send("second", nil))
	assert.Len(t, c.send, 1, "frames queued before shutdown stay queued")
}

func TestCloseAfterFlushDeliversQueuedFrames(t *testing.T) {
	up := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := NewConn(ws, nil)
		connCh <- c
		go c.WritePump()
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	c := <-connCh
	require.True(t, c.Send("error", map[string]string{"message": "invalid token"}))
	c.CloseAfterFlush()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := client.ReadMessage()
	require.NoError(t, err, "the queued frame must arrive before the socket closes")

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, "error", env.Event)

	// The next read sees the connection end.
	_, _, err = client.ReadMessage()
	assert.Error(t, err)
}
