// ABOUTME: Tests for the conversation relay service.
// ABOUTME: Covers join flow, echo-before-answer ordering, handoff, failure path, and redelivery.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novigo/mia-relay/internal/ai"
	"github.com/novigo/mia-relay/internal/handoff"
	"github.com/novigo/mia-relay/internal/hub"
	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/store"
)

type fakeAnswerer struct {
	mu      sync.Mutex
	calls   []string
	reply   *ai.Reply
	err     error
	replyFn func(question string) *ai.Reply
}

func (f *fakeAnswerer) Ask(ctx context.Context, sessionID, question string) (*ai.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	if f.err != nil {
		return nil, f.err
	}
	if f.replyFn != nil {
		return f.replyFn(question), nil
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return &ai.Reply{Text: "answer to: " + question, MessageID: uuid.New().String()}, nil
}

func (f *fakeAnswerer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTranslator struct {
	err error
}

func (f *fakeTranslator) Translate(ctx context.Context, text, fromLang, toLang string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("[%s->%s] %s", fromLang, toLang, text), nil
}

type testRig struct {
	svc      *Service
	store    store.Store
	answerer *fakeAnswerer
	gate     *handoff.Gate
	hub      *hub.Hub
	instance *store.Instance
}

func newTestRig(t *testing.T, translator Translator) *testRig {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	inst := &store.Instance{
		ID:          uuid.New().String(),
		Name:        "Support Bot",
		ChatID:      "chat-1",
		ClientToken: "client-token",
		SystemToken: "system-token",
		ChatEnabled: true,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))

	answerer := &fakeAnswerer{}
	gate := handoff.New("ia")
	h := hub.New(nil)
	resolver := identity.NewResolver(s, false, nil)

	svc := New(s, resolver, gate, answerer, translator, h, Config{
		ChannelDomain:   "widget.example.com",
		AttendantDomain: "desk.msging.net",
		RecoveryGrace:   time.Minute,
	}, nil)

	return &testRig{svc: svc, store: s, answerer: answerer, gate: gate, hub: h, instance: inst}
}

func (r *testRig) connect(t *testing.T) *hub.Conn {
	t.Helper()
	c := hub.NewConn(nil, nil)
	r.hub.Register(c)
	return c
}

func (r *testRig) join(t *testing.T, c *hub.Conn, payload JoinPayload) {
	t.Helper()
	if payload.ChatID == "" {
		payload.ChatID = r.instance.ChatID
	}
	if payload.Token == "" {
		payload.Token = r.instance.ClientToken
	}
	r.svc.HandleEvent(c, envelope(t, EventJoin, payload))
}

func envelope(t *testing.T, event string, payload any) hub.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return hub.Envelope{Event: event, Data: data}
}

// drainEvents empties a connection's send buffer into decoded envelopes.
func drainEvents(t *testing.T, c *hub.Conn) []hub.Envelope {
	t.Helper()
	var out []hub.Envelope
	for {
		select {
		case frame := <-c.SendQueue():
			var env hub.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []hub.Envelope) []string {
	names := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.Event
	}
	return names
}

func decodeAs[T any](t *testing.T, env hub.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestJoinFreshRoom(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)

	r.join(t, c, JoinPayload{})

	events := drainEvents(t, c)
	require.Equal(t, []string{EventRoomInit, EventMessageListInit}, eventNames(events))

	init := decodeAs[RoomInitPayload](t, events[0])
	assert.NotEmpty(t, init.RoomID)
	assert.Equal(t, r.instance.ID, init.Instance.ID)
	assert.Equal(t, "Support Bot", init.Instance.Name)

	list := decodeAs[MessageListInitPayload](t, events[1])
	assert.Empty(t, list.Messages)
}

func TestJoinRejectsBadToken(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)

	r.svc.HandleEvent(c, envelope(t, EventJoin, JoinPayload{ChatID: "chat-1", Token: "wrong"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventError}, eventNames(events))
	assert.Equal(t, 0, r.hub.ConnCount(), "rejected connection should be unregistered")
}

func TestRejectQueuesErrorBeforeShutdown(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)

	r.svc.HandleEvent(c, envelope(t, EventJoin, JoinPayload{ChatID: "chat-1", Token: "wrong"}))

	// The error frame is queued and shutdown has started, so the write pump
	// will deliver it before closing the socket.
	assert.True(t, c.Closing())
	assert.False(t, c.Send(EventError, ErrorPayload{Message: "late"}), "no frames accepted after the reject")

	events := drainEvents(t, c)
	require.Equal(t, []string{EventError}, eventNames(events))
	errPayload := decodeAs[ErrorPayload](t, events[0])
	assert.Equal(t, "invalid token", errPayload.Message)
}

func TestJoinRejectsUnknownInstance(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)

	r.svc.HandleEvent(c, envelope(t, EventJoin, JoinPayload{ChatID: "ghost", Token: "x"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventError}, eventNames(events))
}

func TestJoinRejectsDisabledInstance(t *testing.T) {
	r := newTestRig(t, nil)

	disabled := &store.Instance{
		ID:          uuid.New().String(),
		Name:        "Off",
		ChatID:      "chat-off",
		ClientToken: "tok",
		SystemToken: "sys",
		ChatEnabled: false,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, r.store.CreateInstance(context.Background(), disabled))

	c := r.connect(t)
	r.svc.HandleEvent(c, envelope(t, EventJoin, JoinPayload{ChatID: "chat-off", Token: "tok"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventError}, eventNames(events))
}

func TestMessageEchoPrecedesAnswer(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	drainEvents(t, c)

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-1", Content: "hello"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut, EventMessageOut}, eventNames(events))

	echo := decodeAs[MessageOut](t, events[0])
	assert.Equal(t, "msg-1", echo.ID)
	assert.Equal(t, "hello", echo.Content)
	assert.Equal(t, store.ActorUser, echo.Actor)

	reply := decodeAs[MessageOut](t, events[1])
	assert.Equal(t, "answer to: hello", reply.Content)
	assert.Equal(t, store.ActorAssistant, reply.Actor)

	// Both sides of the exchange are on the timeline.
	roomID := echo.From[:len(echo.From)-len("@widget.example.com")]
	p, err := r.store.FindPersonByIdentifier(context.Background(), roomID+"@widget.example.com", "")
	require.NoError(t, err)
	conv, err := r.store.FindOpenConversation(context.Background(), p.ID, r.instance.ID)
	require.NoError(t, err)
	msgs, err := r.store.ListConversationMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.ActorUser, msgs[0].Actor)
	assert.Equal(t, store.ActorAssistant, msgs[1].Actor)
	assert.Equal(t, "msg-1", msgs[0].Metadata["#uniqueId"])
}

func TestMessageRedeliveryDoesNotRepeatAnswer(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	drainEvents(t, c)

	msg := MessagePayload{ID: "msg-1", Content: "hello"}
	r.svc.HandleEvent(c, envelope(t, EventMessage, msg))
	r.svc.HandleEvent(c, envelope(t, EventMessage, msg))

	assert.Equal(t, 1, r.answerer.callCount(), "redelivered message must not reach the AI again")

	// One echo and one reply; the redelivery emits nothing to the room.
	events := drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut, EventMessageOut}, eventNames(events))
	assert.Equal(t, "msg-1", decodeAs[MessageOut](t, events[0]).ID)
}

func TestDisconnectPrunesStaleRecoveryEntries(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	drainEvents(t, c)

	r.svc.mu.Lock()
	r.svc.lastDisconnect["stale-room"] = time.Now().Add(-2 * time.Minute)
	r.svc.mu.Unlock()

	r.svc.HandleDisconnect(c)

	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()
	assert.NotContains(t, r.svc.lastDisconnect, "stale-room", "entries past the grace window are dropped")
	assert.Len(t, r.svc.lastDisconnect, 1, "the fresh loss is still tracked")
}

func TestAttendantMessageOpensTicket(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	events := drainEvents(t, c)
	roomID := decodeAs[RoomInitPayload](t, events[0]).RoomID

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "att-1", Content: "hi, human here", Agent: "attendant-7"}))

	events = drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut}, eventNames(events), "attendant message is echoed but not answered")

	echo := decodeAs[MessageOut](t, events[0])
	assert.Equal(t, "att-1", echo.ID)
	assert.Contains(t, echo.From, "%40widget.example.com@desk.msging.net")
	assert.Equal(t, 0, r.answerer.callCount())

	// Ticket is open; the visitor's next message stays with the attendant.
	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-2", Content: "thanks"}))
	assert.Equal(t, 0, r.answerer.callCount())

	// The saved attendant row carries the encoded from address.
	p, err := r.store.FindPersonByIdentifier(context.Background(), roomID+"@widget.example.com", "")
	require.NoError(t, err)
	conv, err := r.store.FindOpenConversation(context.Background(), p.ID, r.instance.ID)
	require.NoError(t, err)
	msgs, err := r.store.ListConversationMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "attendant-7", msgs[0].Metadata["agent"])
}

func TestAnswerFailureEmitsStatusAndApology(t *testing.T) {
	r := newTestRig(t, nil)
	r.answerer.err = errors.New("backend down")

	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	drainEvents(t, c)

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-1", Content: "hello"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut, EventMessageStatus, EventMessageOut}, eventNames(events))

	status := decodeAs[MessageStatusPayload](t, events[1])
	assert.Equal(t, "msg-1", status.ID)
	assert.Equal(t, store.StatusFailed, status.Status)

	apology := decodeAs[MessageOut](t, events[2])
	assert.Equal(t, DefaultApology, apology.Content)
	assert.Equal(t, store.ActorSystem, apology.Actor)
	assert.NotEqual(t, "msg-1", apology.ID, "apology is a fresh message")

	// The original row is marked failed.
	got, err := r.store.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestBilingualMessageTranslatedBothWays(t *testing.T) {
	r := newTestRig(t, &fakeTranslator{})
	c := r.connect(t)
	r.join(t, c, JoinPayload{FromLang: "en", ToLang: "pt-BR"})
	drainEvents(t, c)

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-1", Content: "hello"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut, EventMessageOut}, eventNames(events))

	// Echo keeps the text as typed.
	echo := decodeAs[MessageOut](t, events[0])
	assert.Equal(t, "hello", echo.Content)

	// The AI saw the translated text.
	require.Equal(t, 1, r.answerer.callCount())
	assert.Equal(t, "[en->pt-BR] hello", r.answerer.calls[0])

	// The reply was translated back to the visitor's language.
	reply := decodeAs[MessageOut](t, events[1])
	assert.Contains(t, reply.Content, "[pt-BR->en]")

	// The stored row keeps the original text in metadata.
	got, err := r.store.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "[en->pt-BR] hello", got.Content)
	assert.Equal(t, "hello", got.Metadata["originalMessage"])
	assert.Equal(t, "en", got.Metadata["fromLang"])
}

func TestTranslationFailureTakesFailurePath(t *testing.T) {
	r := newTestRig(t, &fakeTranslator{err: errors.New("quota")})
	c := r.connect(t)
	r.join(t, c, JoinPayload{FromLang: "en", ToLang: "pt-BR"})
	drainEvents(t, c)

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-1", Content: "hello"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventMessageOut, EventMessageStatus, EventMessageOut}, eventNames(events))
	assert.Equal(t, 0, r.answerer.callCount(), "failed translation must not reach the AI")
}

func TestTimelineReplayOnResume(t *testing.T) {
	r := newTestRig(t, nil)

	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	events := drainEvents(t, c)
	roomID := decodeAs[RoomInitPayload](t, events[0]).RoomID

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{ID: "msg-1", Content: "hello"}))
	drainEvents(t, c)

	// A new connection resumes the room and replays history.
	c2 := r.connect(t)
	r.join(t, c2, JoinPayload{RoomID: roomID})

	events = drainEvents(t, c2)
	require.Equal(t, []string{EventRoomInit, EventUserData, EventMessageListInit}, eventNames(events))

	list := decodeAs[MessageListInitPayload](t, events[2])
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "hello", list.Messages[0].Content)
}

func TestRecoveredReconnectSkipsReplay(t *testing.T) {
	r := newTestRig(t, nil)

	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	events := drainEvents(t, c)
	roomID := decodeAs[RoomInitPayload](t, events[0]).RoomID
	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{Content: "hello"}))
	drainEvents(t, c)

	// Socket drops; the client reconnects inside the grace window.
	r.svc.HandleDisconnect(c)

	c2 := r.connect(t)
	r.join(t, c2, JoinPayload{RoomID: roomID, Recovered: true})

	events = drainEvents(t, c2)
	names := eventNames(events)
	assert.Contains(t, names, EventRoomInit)
	assert.NotContains(t, names, EventMessageListInit, "recovered reconnect keeps its in-memory view")
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)

	r.svc.HandleEvent(c, envelope(t, EventMessage, MessagePayload{Content: "hello"}))

	events := drainEvents(t, c)
	require.Equal(t, []string{EventError}, eventNames(events))
	assert.Equal(t, 0, r.answerer.callCount())
}

func TestContextUpdatesNameAndPrimesBackend(t *testing.T) {
	r := newTestRig(t, nil)
	c := r.connect(t)
	r.join(t, c, JoinPayload{})
	events := drainEvents(t, c)
	roomID := decodeAs[RoomInitPayload](t, events[0]).RoomID

	r.svc.HandleEvent(c, envelope(t, EventContext, ContextPayload{Content: "Person Name:Alice Souza,Account:42"}))

	assert.Equal(t, 1, r.answerer.callCount(), "context is forwarded to the backend")

	p, err := r.store.FindPersonByIdentifier(context.Background(), roomID+"@widget.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice Souza", p.Name)

	conv, err := r.store.FindOpenConversation(context.Background(), p.ID, r.instance.ID)
	require.NoError(t, err)
	msgs, err := r.store.ListConversationMessages(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.ActorSystem, msgs[0].Actor)
	assert.Equal(t, "context", msgs[0].Metadata["kind"])
}
