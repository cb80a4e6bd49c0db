// ABOUTME: Processes WhatsApp gateway webhook events: inbound messages and delivery acks.
// ABOUTME: Dedupes by external message ID before any side effect, then relays text to the AI.

package wagateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/novigo/mia-relay/internal/ai"
	"github.com/novigo/mia-relay/internal/dedupe"
	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/session"
	"github.com/novigo/mia-relay/internal/store"
)

// ErrDuplicateEvent marks a webhook delivery whose message was already
// processed. Handlers acknowledge these so the gateway stops retrying.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// Webhook event names
const (
	EventMessage    = "message"
	EventMessageAck = "message.ack"
)

// Ack levels reported by the gateway
const (
	AckDevice = 2
	AckRead   = 3
)

// WebhookEvent is the envelope the gateway posts.
type WebhookEvent struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload is the payload of a "message" event.
type MessagePayload struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	FromMe   bool   `json:"fromMe"`
	Body     string `json:"body"`
	HasMedia bool   `json:"hasMedia"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// AckPayload is the payload of a "message.ack" event.
type AckPayload struct {
	ID  string `json:"id"`
	Ack int    `json:"ack"`
}

// Answerer mirrors the AI capability the processor needs.
type Answerer interface {
	Ask(ctx context.Context, sessionID, question string) (*ai.Reply, error)
}

// Processor handles gateway webhooks for one bot instance.
type Processor struct {
	store      store.Store
	resolver   *identity.Resolver
	answerer   Answerer
	sender     TextSender
	window     *dedupe.Window
	sessions   *session.PhoneTable
	instanceID string
	logger     *slog.Logger
}

// NewProcessor creates a webhook processor bound to the instance that owns
// the WhatsApp channel.
func NewProcessor(s store.Store, resolver *identity.Resolver, answerer Answerer, sender TextSender, window *dedupe.Window, sessions *session.PhoneTable, instanceID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      s,
		resolver:   resolver,
		answerer:   answerer,
		sender:     sender,
		window:     window,
		sessions:   sessions,
		instanceID: instanceID,
		logger:     logger.With("component", "wagateway"),
	}
}

// Process routes one webhook event. Unknown events are ignored.
func (p *Processor) Process(ctx context.Context, ev WebhookEvent) error {
	switch ev.Event {
	case EventMessage:
		var msg MessagePayload
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return fmt.Errorf("decoding message payload: %w", err)
		}
		return p.processMessage(ctx, msg)

	case EventMessageAck:
		var ack AckPayload
		if err := json.Unmarshal(ev.Payload, &ack); err != nil {
			return fmt.Errorf("decoding ack payload: %w", err)
		}
		return p.processAck(ctx, ack)

	default:
		p.logger.Debug("ignoring webhook event", "event", ev.Event)
		return nil
	}
}

func (p *Processor) processMessage(ctx context.Context, msg MessagePayload) error {
	if msg.FromMe {
		return nil
	}
	if msg.ID == "" || msg.From == "" {
		return fmt.Errorf("message event missing id or sender")
	}
	if !IsIndividualChat(msg.From) {
		p.logger.Debug("ignoring non-individual chat", "from", msg.From)
		return nil
	}

	// Mark before any effect: concurrent redeliveries must not both proceed.
	if p.window.CheckAndMark(msg.ID) {
		p.logger.Info("duplicate message suppressed", "message_id", msg.ID)
		return ErrDuplicateEvent
	}

	inst, err := p.store.GetInstance(ctx, p.instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	phone := ExtractPhone(msg.From)
	sess := p.sessions.GetOrCreate(phone)

	person, err := p.resolver.ResolvePerson(ctx, inst, identity.ParseIdentifier(msg.From, ""), "")
	if err != nil {
		return fmt.Errorf("resolving person: %w", err)
	}
	conv, err := p.resolver.ResolveConversation(ctx, person, inst)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if msg.HasMedia {
		return p.recordMedia(ctx, conv, msg, inst)
	}
	if msg.Body == "" {
		return nil
	}

	err = p.store.InsertMessage(ctx, &store.Message{
		ID:             msg.ID,
		ConversationID: conv.ID,
		From:           msg.From,
		To:             inst.ID,
		Actor:          store.ActorUser,
		Content:        msg.Body,
		Metadata:       map[string]any{"#uniqueId": msg.ID, "sessionId": sess.ID},
		CreatedAt:      time.Now(),
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		// The window forgot it (restart or eviction) but the timeline knows.
		p.logger.Info("duplicate message suppressed by store", "message_id", msg.ID)
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}

	reply, err := p.answerer.Ask(ctx, sess.ID, msg.Body)
	if err != nil {
		return fmt.Errorf("asking AI backend: %w", err)
	}

	if err := p.sender.SendText(ctx, msg.From, reply.Text); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}

	replyID := reply.MessageID
	if replyID == "" {
		replyID = uuid.New().String()
	}
	if err := p.store.InsertMessage(ctx, &store.Message{
		ID:             replyID,
		ConversationID: conv.ID,
		From:           inst.ID,
		To:             msg.From,
		Actor:          store.ActorAssistant,
		Content:        reply.Text,
		Metadata:       map[string]any{"inReplyTo": msg.ID},
		CreatedAt:      time.Now(),
	}); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		return fmt.Errorf("persisting reply: %w", err)
	}

	p.logger.Info("message relayed",
		"message_id", msg.ID,
		"phone", phone,
		"session_id", sess.ID)
	return nil
}

// recordMedia keeps media on the timeline without forwarding it to the AI.
func (p *Processor) recordMedia(ctx context.Context, conv *store.Conversation, msg MessagePayload, inst *store.Instance) error {
	p.logger.Info("media message received, not forwarded", "message_id", msg.ID, "from", msg.From)

	metadata := map[string]any{"#uniqueId": msg.ID}
	if msg.MediaURL != "" {
		metadata["uri"] = msg.MediaURL
	}
	err := p.store.InsertMessage(ctx, &store.Message{
		ID:             msg.ID,
		ConversationID: conv.ID,
		From:           msg.From,
		To:             inst.ID,
		Type:           store.MessageTypeMediaLink,
		Actor:          store.ActorUser,
		Content:        msg.Body,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		return ErrDuplicateEvent
	}
	return err
}

func (p *Processor) processAck(ctx context.Context, ack AckPayload) error {
	if ack.ID == "" {
		return nil
	}

	var err error
	switch {
	case ack.Ack >= AckRead:
		err = p.store.MarkMessageRead(ctx, ack.ID, time.Now())
	case ack.Ack == AckDevice:
		err = p.store.MarkMessageDelivered(ctx, ack.ID, time.Now())
	default:
		return nil
	}

	if errors.Is(err, store.ErrNotFound) {
		// Acks can arrive for messages we never stored.
		return nil
	}
	return err
}
