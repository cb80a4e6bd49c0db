// ABOUTME: System message dispatch: platform-originated messages pushed into widget rooms.
// ABOUTME: Validates the instance's system token and fans out by content type.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/store"
)

// MessageTypeChatState is the content type of typing indications.
const MessageTypeChatState = "application/vnd.lime.chatstate+json"

// System dispatch errors
var (
	ErrInvalidSystemToken     = errors.New("invalid system token")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
)

// SystemMessage is a message pushed by the platform into a room.
type SystemMessage struct {
	To      string          `json:"to"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// MediaLink is the content of a media-link message.
type MediaLink struct {
	URI      string `json:"uri"`
	Title    string `json:"title,omitempty"`
	MimeType string `json:"type,omitempty"`
}

// chatState is the content of a chat-state message.
type chatState struct {
	State string `json:"state"`
}

// DispatchSystemMessage validates the caller and routes a platform message to
// its room. Text and media-link messages are persisted on the timeline; chat
// states are relayed live only.
func (s *Service) DispatchSystemMessage(ctx context.Context, instanceID, token string, msg SystemMessage) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if token == "" || token != inst.SystemToken {
		return ErrInvalidSystemToken
	}

	ident := identity.ParseIdentifier(msg.To, s.cfg.AttendantDomain)
	roomID := ident.Room
	if roomID == "" {
		return fmt.Errorf("system message has no destination room")
	}

	switch msg.Type {
	case store.MessageTypeText, "":
		var content string
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			// Tolerate a bare string body.
			content = string(msg.Content)
		}
		return s.deliverSystemMessage(ctx, inst, roomID, store.MessageTypeText, content, nil)

	case store.MessageTypeMediaLink:
		var media MediaLink
		if err := json.Unmarshal(msg.Content, &media); err != nil {
			return fmt.Errorf("decoding media-link content: %w", err)
		}
		if media.URI == "" {
			return fmt.Errorf("media-link message has no uri")
		}
		metadata := map[string]any{"uri": media.URI}
		if media.Title != "" {
			metadata["title"] = media.Title
		}
		if media.MimeType != "" {
			metadata["mimeType"] = media.MimeType
		}
		return s.deliverSystemMessage(ctx, inst, roomID, store.MessageTypeMediaLink, media.URI, metadata)

	case MessageTypeChatState:
		var cs chatState
		if err := json.Unmarshal(msg.Content, &cs); err != nil {
			return fmt.Errorf("decoding chat state: %w", err)
		}
		if cs.State != ChatStateComposing {
			// Only typing indication reaches the widget.
			return nil
		}
		s.hub.ToRoom(roomID, EventChatState, ChatStatePayload{State: cs.State})
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMessageType, msg.Type)
	}
}

func (s *Service) deliverSystemMessage(ctx context.Context, inst *store.Instance, roomID, msgType, content string, metadata map[string]any) error {
	msgID := uuid.New().String()

	s.hub.ToRoom(roomID, EventMessageOut, MessageOut{
		ID:       msgID,
		Content:  content,
		From:     inst.ID,
		Actor:    store.ActorSystem,
		Type:     msgType,
		Metadata: metadata,
	})

	person, err := s.resolver.ResolvePerson(ctx, inst, identity.ParseIdentifier(
		identity.RoomIdentifier(roomID, s.cfg.ChannelDomain), s.cfg.AttendantDomain), "")
	if err != nil {
		return fmt.Errorf("resolving person: %w", err)
	}
	conv, err := s.resolver.ResolveConversation(ctx, person, inst)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	if err := s.store.InsertMessage(ctx, &store.Message{
		ID:             msgID,
		ConversationID: conv.ID,
		From:           inst.ID,
		To:             person.MessagingIdentifier,
		Type:           msgType,
		Actor:          store.ActorSystem,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		return fmt.Errorf("persisting system message: %w", err)
	}

	s.logger.Info("system message delivered",
		"room_id", roomID,
		"instance_id", inst.ID,
		"type", msgType)
	return nil
}
