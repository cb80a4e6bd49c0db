// ABOUTME: Conversation relay between widget clients, external channels, and the AI backend.
// ABOUTME: Owns connection state, echo-before-answer ordering, translation, and persistence.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novigo/mia-relay/internal/ai"
	"github.com/novigo/mia-relay/internal/handoff"
	"github.com/novigo/mia-relay/internal/hub"
	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/store"
)

// DefaultApology is sent when a downstream call fails mid-conversation.
const DefaultApology = "Desculpe, não consegui processar sua mensagem. Por favor, tente novamente."

// DefaultBackendLang is the language the AI backend answers in.
const DefaultBackendLang = "pt-BR"

// Answerer is the AI backend capability the relay depends on.
type Answerer interface {
	Ask(ctx context.Context, sessionID, question string) (*ai.Reply, error)
}

// Translator converts message text between languages.
type Translator interface {
	Translate(ctx context.Context, text, fromLang, toLang string) (string, error)
}

// Config holds the relay's channel addressing and timing knobs.
type Config struct {
	ChannelDomain   string
	AttendantDomain string
	RecoveryGrace   time.Duration
}

// Service relays widget messages to the AI backend and back, persisting every
// exchange on the conversation timeline. One Service handles all connections;
// per-connection state lives in the states map.
type Service struct {
	store      store.Store
	resolver   *identity.Resolver
	gate       *handoff.Gate
	answerer   Answerer
	translator Translator // nil when translation is disabled
	hub        *hub.Hub
	cfg        Config
	logger     *slog.Logger

	mu             sync.Mutex
	states         map[string]*connState // conn ID -> state
	lastDisconnect map[string]time.Time  // room ID -> time of last socket loss
}

// connState is what the relay remembers about one live connection.
type connState struct {
	instance     *store.Instance
	roomID       string
	person       *store.Person
	conversation *store.Conversation
	fromLang     string
	toLang       string
}

// New creates the relay service.
func New(s store.Store, resolver *identity.Resolver, gate *handoff.Gate, answerer Answerer, translator Translator, h *hub.Hub, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:          s,
		resolver:       resolver,
		gate:           gate,
		answerer:       answerer,
		translator:     translator,
		hub:            h,
		cfg:            cfg,
		logger:         logger.With("component", "relay"),
		states:         make(map[string]*connState),
		lastDisconnect: make(map[string]time.Time),
	}
}

// HandleEvent dispatches one inbound frame from a widget connection.
// Runs on the connection's read goroutine.
func (s *Service) HandleEvent(c *hub.Conn, env hub.Envelope) {
	switch env.Event {
	case EventJoin:
		s.handleJoin(c, env.Data)
	case EventMessage:
		s.handleMessage(c, env.Data)
	case EventContext:
		s.handleContext(c, env.Data)
	default:
		s.logger.Debug("ignoring unknown event", "event", env.Event, "conn_id", c.ID)
	}
}

// HandleDisconnect cleans up after a closed connection. The room and its
// history survive; only the socket state goes away.
func (s *Service) HandleDisconnect(c *hub.Conn) {
	s.hub.Unregister(c)

	now := time.Now()
	s.mu.Lock()
	st, ok := s.states[c.ID]
	delete(s.states, c.ID)
	if ok && st.roomID != "" {
		s.lastDisconnect[st.roomID] = now
	}
	// Entries past the grace window can never satisfy a recovery check;
	// drop them so the map tracks recent losses only.
	for roomID, lost := range s.lastDisconnect {
		if now.Sub(lost) >= s.cfg.RecoveryGrace {
			delete(s.lastDisconnect, roomID)
		}
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("client disconnected", "conn_id", c.ID, "room_id", st.roomID)
	}
}

// rejectAndClose emits an error event and drops the connection. The error
// frame is queued before shutdown starts, so the write pump delivers it to
// the client before closing the socket.
func (s *Service) rejectAndClose(c *hub.Conn, msg string) {
	c.Send(EventError, ErrorPayload{Message: msg})
	c.CloseAfterFlush()
	s.hub.Drop(c)
}

func (s *Service) handleJoin(c *hub.Conn, data json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.rejectAndClose(c, "malformed join payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := s.store.GetInstanceByChatID(ctx, p.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		s.rejectAndClose(c, "unknown chat instance")
		return
	}
	if err != nil {
		s.logger.Error("instance lookup failed", "chat_id", p.ChatID, "error", err)
		s.rejectAndClose(c, "internal error")
		return
	}
	if p.Token != inst.ClientToken {
		s.rejectAndClose(c, "invalid token")
		return
	}
	if !inst.ChatEnabled {
		s.rejectAndClose(c, "chat is disabled for this instance")
		return
	}

	roomID := p.RoomID
	resumed := roomID != ""
	if roomID == "" {
		roomID = uuid.New().String()
	}

	st := &connState{
		instance: inst,
		roomID:   roomID,
		fromLang: p.FromLang,
		toLang:   p.ToLang,
	}

	s.mu.Lock()
	s.states[c.ID] = st
	lastLoss, hadLoss := s.lastDisconnect[roomID]
	s.mu.Unlock()

	s.hub.JoinRoom(c, roomID)
	c.Send(EventRoomInit, RoomInitPayload{
		RoomID:   roomID,
		Instance: InstanceInfo{ID: inst.ID, Name: inst.Name},
	})

	if resumed {
		s.sendUserData(ctx, c, st)
	}

	// A quick reconnect keeps its in-memory view; everyone else gets the
	// stored timeline (empty for fresh rooms).
	recovered := p.Recovered && hadLoss && time.Since(lastLoss) < s.cfg.RecoveryGrace
	if !recovered {
		s.sendTimeline(ctx, c, st)
	}

	s.logger.Info("client joined room",
		"conn_id", c.ID,
		"room_id", roomID,
		"instance_id", inst.ID,
		"resumed", resumed,
		"recovered", recovered)
}

// sendUserData looks up the room's person without creating one and emits
// their profile when found.
func (s *Service) sendUserData(ctx context.Context, c *hub.Conn, st *connState) {
	ident := s.roomIdentifier(st.roomID)
	person, err := s.store.FindPersonByIdentifier(ctx, ident.Canonical, s.lookupTenant(st.instance))
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("person lookup failed", "room_id", st.roomID, "error", err)
		return
	}

	st.person = person
	c.Send(EventUserData, UserDataPayload{
		ID:          person.ID,
		Name:        person.Name,
		Email:       person.Email,
		PhoneNumber: person.PhoneNumber,
	})
}

func (s *Service) sendTimeline(ctx context.Context, c *hub.Conn, st *connState) {
	out := []MessageOut{}

	if st.person == nil {
		ident := s.roomIdentifier(st.roomID)
		person, err := s.store.FindPersonByIdentifier(ctx, ident.Canonical, s.lookupTenant(st.instance))
		if err == nil {
			st.person = person
		}
	}

	if st.person != nil {
		conv, err := s.store.FindOpenConversation(ctx, st.person.ID, st.instance.ID)
		if err == nil {
			st.conversation = conv
			msgs, err := s.store.ListConversationMessages(ctx, conv.ID, 0)
			if err != nil {
				s.logger.Error("timeline load failed", "conversation_id", conv.ID, "error", err)
			}
			for _, m := range msgs {
				out = append(out, MessageOut{
					ID:       m.ID,
					Content:  m.Content,
					From:     m.From,
					Actor:    m.Actor,
					Type:     m.Type,
					Metadata: m.Metadata,
				})
			}
		}
	}

	c.Send(EventMessageListInit, MessageListInitPayload{Messages: out})
}

func (s *Service) handleMessage(c *hub.Conn, data json.RawMessage) {
	s.mu.Lock()
	st := s.states[c.ID]
	s.mu.Unlock()
	if st == nil {
		c.Send(EventError, ErrorPayload{Message: "join a room first"})
		return
	}

	var p MessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Content == "" {
		return
	}

	msgID := p.ID
	if msgID == "" {
		msgID = uuid.New().String()
	}
	attendant := p.Agent != ""

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Redelivery of a message we already handled end to end. Caught here so
	// the room never sees the echo twice; the unique insert below backstops
	// the race where two deliveries pass this check together.
	if _, err := s.store.GetMessage(ctx, msgID); err == nil {
		s.logger.Info("duplicate message ignored", "message_id", msgID, "room_id", st.roomID)
		return
	}

	if err := s.ensureConversation(ctx, st, ""); err != nil {
		s.logger.Error("resolving conversation failed", "room_id", st.roomID, "error", err)
		c.Send(EventError, ErrorPayload{Message: "internal error"})
		return
	}

	from := s.roomIdentifier(st.roomID).Canonical
	if attendant {
		// A human is answering: the room is theirs from now on.
		s.gate.MarkTicketOpen(st.conversation.ID)
		from = identity.AttendantIdentifier(st.roomID, s.cfg.ChannelDomain, s.cfg.AttendantDomain)
	}

	// Echo before anything that can stall: every connection in the room sees
	// the message immediately, AI or no AI.
	s.hub.ToRoom(st.roomID, EventMessageOut, MessageOut{
		ID:      msgID,
		Content: p.Content,
		From:    from,
		Actor:   store.ActorUser,
		Type:    store.MessageTypeText,
	})

	outbound, metadata, err := s.prepareOutbound(ctx, st, msgID, p)
	if err != nil {
		s.failMessage(ctx, st, msgID, "translating message", err)
		return
	}

	err = s.store.InsertMessage(ctx, &store.Message{
		ID:             msgID,
		ConversationID: st.conversation.ID,
		From:           from,
		To:             st.instance.ID,
		Actor:          store.ActorUser,
		Content:        outbound,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		s.logger.Info("duplicate message ignored", "message_id", msgID, "room_id", st.roomID)
		return
	}
	if err != nil {
		s.logger.Error("persisting message failed", "message_id", msgID, "error", err)
	}

	if attendant || !s.gate.ShouldRespond(st.conversation.ID, "") {
		return
	}

	reply, err := s.answerer.Ask(ctx, st.roomID, outbound)
	if err != nil {
		s.failMessage(ctx, st, msgID, "asking AI backend", err)
		return
	}

	replyText := s.translateReply(ctx, st, reply.Text)
	replyID := reply.MessageID
	if replyID == "" {
		replyID = uuid.New().String()
	}

	s.hub.ToRoom(st.roomID, EventMessageOut, MessageOut{
		ID:      replyID,
		Content: replyText,
		From:    st.instance.ID,
		Actor:   store.ActorAssistant,
		Type:    store.MessageTypeText,
	})

	if err := s.store.InsertMessage(ctx, &store.Message{
		ID:             replyID,
		ConversationID: st.conversation.ID,
		From:           st.instance.ID,
		To:             from,
		Actor:          store.ActorAssistant,
		Content:        replyText,
		Metadata:       map[string]any{"inReplyTo": msgID},
		CreatedAt:      time.Now(),
	}); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		s.logger.Error("persisting reply failed", "message_id", replyID, "error", err)
	}
}

// prepareOutbound translates the message for the AI backend when the
// conversation is bilingual and builds the metadata recording provenance.
func (s *Service) prepareOutbound(ctx context.Context, st *connState, msgID string, p MessagePayload) (string, map[string]any, error) {
	metadata := map[string]any{"#uniqueId": msgID}
	if p.Agent != "" {
		metadata["agent"] = p.Agent
	}

	outbound := p.Content
	if s.translator != nil && st.fromLang != "" && st.toLang != "" && st.fromLang != st.toLang {
		translated, err := s.translator.Translate(ctx, p.Content, st.fromLang, st.toLang)
		if err != nil {
			return "", nil, err
		}
		outbound = translated
		metadata["originalMessage"] = p.Content
		metadata["fromLang"] = st.fromLang
		metadata["toLang"] = st.toLang
	}
	return outbound, metadata, nil
}

// translateReply converts the backend's answer back to the visitor's
// language. Best effort: a failed translation falls back to the original.
func (s *Service) translateReply(ctx context.Context, st *connState, text string) string {
	if s.translator == nil || st.fromLang == "" || st.toLang == "" || st.fromLang == st.toLang {
		return text
	}
	translated, err := s.translator.Translate(ctx, text, st.toLang, st.fromLang)
	if err != nil {
		s.logger.Warn("reply translation failed", "room_id", st.roomID, "error", err)
		return text
	}
	return translated
}

// failMessage handles a downstream failure: the original message is marked
// failed and a fresh apology goes to the room. The apology references nothing
// that failed to exist.
func (s *Service) failMessage(ctx context.Context, st *connState, msgID, stage string, cause error) {
	s.logger.Error("message processing failed",
		"message_id", msgID,
		"room_id", st.roomID,
		"stage", stage,
		"error", cause)

	if err := s.store.UpdateMessageStatus(ctx, msgID, store.StatusFailed); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("marking message failed", "message_id", msgID, "error", err)
	}
	s.hub.ToRoom(st.roomID, EventMessageStatus, MessageStatusPayload{ID: msgID, Status: store.StatusFailed})

	apology := DefaultApology
	if s.translator != nil && st.fromLang != "" && st.fromLang != DefaultBackendLang {
		if translated, err := s.translator.Translate(ctx, DefaultApology, DefaultBackendLang, st.fromLang); err == nil {
			apology = translated
		}
	}

	apologyID := uuid.New().String()
	s.hub.ToRoom(st.roomID, EventMessageOut, MessageOut{
		ID:      apologyID,
		Content: apology,
		From:    st.instance.ID,
		Actor:   store.ActorSystem,
		Type:    store.MessageTypeText,
	})

	if st.conversation != nil {
		if err := s.store.InsertMessage(ctx, &store.Message{
			ID:             apologyID,
			ConversationID: st.conversation.ID,
			From:           st.instance.ID,
			To:             s.roomIdentifier(st.roomID).Canonical,
			Actor:          store.ActorSystem,
			Content:        apology,
			Metadata:       map[string]any{"failedMessageId": msgID},
			CreatedAt:      time.Now(),
		}); err != nil {
			s.logger.Error("persisting apology failed", "error", err)
		}
	}
}

func (s *Service) handleContext(c *hub.Conn, data json.RawMessage) {
	s.mu.Lock()
	st := s.states[c.ID]
	s.mu.Unlock()
	if st == nil {
		return
	}

	var p ContextPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	name := identity.DisplayName(p.Content)
	if err := s.ensureConversation(ctx, st, name); err != nil {
		s.logger.Error("resolving conversation failed", "room_id", st.roomID, "error", err)
		return
	}

	if err := s.store.InsertMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: st.conversation.ID,
		From:           s.roomIdentifier(st.roomID).Canonical,
		To:             st.instance.ID,
		Actor:          store.ActorSystem,
		Content:        p.Content,
		Metadata:       map[string]any{"kind": "context"},
		CreatedAt:      time.Now(),
	}); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		s.logger.Error("persisting context failed", "room_id", st.roomID, "error", err)
	}

	// Prime the backend's session with the context; the reply is discarded.
	if _, err := s.answerer.Ask(ctx, st.roomID, p.Content); err != nil {
		s.logger.Warn("forwarding context failed", "room_id", st.roomID, "error", err)
	}
}

// ensureConversation resolves (creating if needed) the person and open
// conversation for a connection's room.
func (s *Service) ensureConversation(ctx context.Context, st *connState, name string) error {
	if st.person == nil || (name != "" && st.person.Name == "") {
		person, err := s.resolver.ResolvePerson(ctx, st.instance, s.roomIdentifier(st.roomID), name)
		if err != nil {
			return fmt.Errorf("resolving person: %w", err)
		}
		st.person = person
	}
	if st.conversation == nil {
		conv, err := s.resolver.ResolveConversation(ctx, st.person, st.instance)
		if err != nil {
			return fmt.Errorf("resolving conversation: %w", err)
		}
		st.conversation = conv
	}
	return nil
}

func (s *Service) roomIdentifier(roomID string) identity.Identifier {
	return identity.ParseIdentifier(
		identity.RoomIdentifier(roomID, s.cfg.ChannelDomain),
		s.cfg.AttendantDomain,
	)
}

func (s *Service) lookupTenant(inst *store.Instance) string {
	// Mirrors the resolver's tenant scoping for read-only lookups.
	if s.resolver == nil {
		return ""
	}
	return s.resolver.LookupTenant(inst)
}
