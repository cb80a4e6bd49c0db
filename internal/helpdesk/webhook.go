// ABOUTME: Normalizes support-desk webhook payloads and relays incoming messages to the AI.
// ABOUTME: Consults the handoff gate so human-assigned conversations never get bot replies.

package helpdesk

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
	"github.com/novigo/mia-relay/internal/handoff"
	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/session"
	"github.com/novigo/mia-relay/internal/store"
)

// ErrDuplicateEvent marks a webhook delivery whose message was already
// processed.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

const (
	eventMessageCreated = "message_created"
	messageTypeIncoming = "incoming"
)

// flexID accepts an identifier encoded as a JSON number or a JSON string;
// the platform has shipped both depending on version.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// rawWebhook covers the payload shapes the platform has shipped: ids appear
// both at the top level and nested under conversation.
type rawWebhook struct {
	Event          string          `json:"event"`
	ID             flexID          `json:"id"`
	Content        string          `json:"content"`
	MessageType    json.RawMessage `json:"message_type"`
	Private        bool            `json:"private"`
	ConversationID flexID          `json:"conversation_id"`
	InboxID        flexID          `json:"inbox_id"`
	Attachments    []Attachment    `json:"attachments"`

	Sender struct {
		ID   flexID `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`

	Conversation struct {
		ID           flexID `json:"id"`
		InboxID      flexID `json:"inbox_id"`
		ContactInbox struct {
			SourceID string `json:"source_id"`
		} `json:"contact_inbox"`
		Meta struct {
			Sender struct {
				ID   flexID `json:"id"`
				Name string `json:"name"`
			} `json:"sender"`
			Team struct {
				Name string `json:"name"`
			} `json:"team"`
		} `json:"meta"`
	} `json:"conversation"`
}

// Attachment is a file attached to a platform message.
type Attachment struct {
	FileType string `json:"file_type"`
	DataURL  string `json:"data_url"`
}

// Event is a normalized incoming-message webhook.
type Event struct {
	MessageID      string
	Content        string
	ConversationID string
	ContactID      string
	ContactName    string
	SourceID       string
	InboxID        string
	Team           string
	Attachments    []Attachment
}

// ParseWebhook decodes a webhook body into a normalized event. It returns
// (nil, nil) for events the relay does not act on: anything other than an
// incoming, non-private message_created.
func ParseWebhook(body []byte) (*Event, error) {
	var raw rawWebhook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	if raw.Event != eventMessageCreated || raw.Private {
		return nil, nil
	}
	if !isIncoming(raw.MessageType) {
		return nil, nil
	}

	ev := &Event{
		MessageID:      raw.ID.String(),
		Content:        raw.Content,
		ConversationID: firstID(raw.ConversationID, raw.Conversation.ID),
		ContactID:      firstID(raw.Sender.ID, raw.Conversation.Meta.Sender.ID),
		ContactName:    raw.Sender.Name,
		SourceID:       raw.Conversation.ContactInbox.SourceID,
		InboxID:        firstID(raw.InboxID, raw.Conversation.InboxID),
		Team:           raw.Conversation.Meta.Team.Name,
		Attachments:    raw.Attachments,
	}
	if ev.ContactName == "" {
		ev.ContactName = raw.Conversation.Meta.Sender.Name
	}
	if ev.MessageID == "" || ev.ConversationID == "" {
		return nil, fmt.Errorf("webhook missing message or conversation id")
	}
	return ev, nil
}

// isIncoming accepts both encodings of message_type: the string "incoming"
// and the legacy numeric 0.
func isIncoming(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == messageTypeIncoming
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 0
	}
	return false
}

func firstID(ids ...flexID) string {
	for _, id := range ids {
		if s := id.String(); s != "" && s != "0" {
			return s
		}
	}
	return ""
}

// Answerer mirrors the AI capability the processor needs.
type Answerer interface {
	Ask(ctx context.Context, sessionID, question string) (*ai.Reply, error)
}

// Processor handles support-desk webhooks for one bot instance.
type Processor struct {
	store      store.Store
	resolver   *identity.Resolver
	answerer   Answerer
	sender     TextSender
	window     *dedupe.Window
	sessions   *session.Table
	gate       *handoff.Gate
	instanceID string
	logger     *slog.Logger
}

// NewProcessor creates a webhook processor bound to the instance that owns
// the support-desk channel.
func NewProcessor(s store.Store, resolver *identity.Resolver, answerer Answerer, sender TextSender, window *dedupe.Window, sessions *session.Table, gate *handoff.Gate, instanceID string, logger *slog.Logger) *Processor {
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
		gate:       gate,
		instanceID: instanceID,
		logger:     logger.With("component", "helpdesk"),
	}
}

// Process handles one webhook delivery. Events the relay does not act on
// return nil without side effects.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	ev, err := ParseWebhook(body)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	// Mark before any effect: concurrent redeliveries must not both proceed.
	if p.window.CheckAndMark("helpdesk:" + ev.MessageID) {
		p.logger.Info("duplicate message suppressed", "message_id", ev.MessageID)
		return ErrDuplicateEvent
	}

	sess := p.sessions.GetOrCreate(ev.ConversationID, ev.ContactID, ev.SourceID, ev.InboxID)

	inst, err := p.store.GetInstance(ctx, p.instanceID)
	if err != nil {
		return fmt.Errorf("loading instance: %w", err)
	}

	ident := identity.ParseIdentifier(p.contactIdentifier(ev), "")
	person, err := p.resolver.ResolvePerson(ctx, inst, ident, ev.ContactName)
	if err != nil {
		return fmt.Errorf("resolving person: %w", err)
	}
	conv, err := p.resolver.ResolveConversation(ctx, person, inst)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if err := p.recordInbound(ctx, ev, conv, inst); err != nil {
		return err
	}

	if !p.gate.ShouldRespond(sess.ID, ev.Team) {
		p.logger.Info("conversation handed to humans, skipping AI",
			"session_id", sess.ID,
			"team", ev.Team)
		return nil
	}

	if len(ev.Attachments) > 0 {
		p.logger.Info("attachments received, not forwarded",
			"message_id", ev.MessageID,
			"count", len(ev.Attachments))
		return nil
	}
	if ev.Content == "" {
		return nil
	}

	reply, err := p.answerer.Ask(ctx, sess.ID, ev.Content)
	if err != nil {
		return fmt.Errorf("asking AI backend: %w", err)
	}

	if err := p.sender.SendText(ctx, ev.ConversationID, reply.Text); err != nil {
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
		To:             p.contactIdentifier(ev),
		Actor:          store.ActorAssistant,
		Content:        reply.Text,
		Metadata:       map[string]any{"inReplyTo": ev.MessageID},
		CreatedAt:      time.Now(),
	}); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		return fmt.Errorf("persisting reply: %w", err)
	}

	p.logger.Info("message relayed",
		"message_id", ev.MessageID,
		"session_id", sess.ID,
		"platform_conversation", ev.ConversationID)
	return nil
}

// contactIdentifier picks the durable identity key for a platform contact:
// the inbox source id when the platform reports one, otherwise the contact id.
func (p *Processor) contactIdentifier(ev *Event) string {
	if ev.SourceID != "" {
		return ev.SourceID
	}
	return "helpdesk-contact-" + ev.ContactID
}

func (p *Processor) recordInbound(ctx context.Context, ev *Event, conv *store.Conversation, inst *store.Instance) error {
	metadata := map[string]any{
		"#uniqueId":            ev.MessageID,
		"platformConversation": ev.ConversationID,
	}
	msgType := store.MessageTypeText
	if len(ev.Attachments) > 0 {
		msgType = store.MessageTypeMediaLink
		urls := make([]string, 0, len(ev.Attachments))
		for _, a := range ev.Attachments {
			urls = append(urls, a.DataURL)
		}
		metadata["attachments"] = urls
	}

	err := p.store.InsertMessage(ctx, &store.Message{
		ID:             "helpdesk-" + ev.MessageID,
		ConversationID: conv.ID,
		From:           p.contactIdentifier(ev),
		To:             inst.ID,
		Type:           msgType,
		Actor:          store.ActorUser,
		Content:        ev.Content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	return nil
}
