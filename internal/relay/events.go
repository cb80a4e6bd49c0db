// ABOUTME: Wire event names and payload shapes for the widget channel.
// ABOUTME: Shared by the relay service and the WebSocket server endpoint.

package relay

// Client-to-server events
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventContext = "context"
)

// Server-to-client events
const (
	EventError           = "error"
	EventRoomInit        = "room-init"
	EventUserData        = "user-data"
	EventMessageListInit = "message-list-init"
	EventMessageOut      = "message"
	EventMessageStatus   = "message-status"
	EventChatState       = "chat-state"
)

// JoinPayload is the first frame a widget client sends after connecting.
type JoinPayload struct {
	ChatID    string `json:"chatId"`
	Token     string `json:"token"`
	RoomID    string `json:"roomId,omitempty"`
	Recovered bool   `json:"recovered,omitempty"`
	FromLang  string `json:"fromLang,omitempty"`
	ToLang    string `json:"toLang,omitempty"`
}

// MessagePayload carries one chat message from a client. Agent is set when a
// human attendant is writing through the widget surface.
type MessagePayload struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

// ContextPayload carries visitor context for the AI backend.
type ContextPayload struct {
	Content string `json:"content"`
}

// RoomInitPayload announces the joined room and its instance.
type RoomInitPayload struct {
	RoomID   string       `json:"roomId"`
	Instance InstanceInfo `json:"instance"`
}

// InstanceInfo is the public slice of a bot instance.
type InstanceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserDataPayload carries the resolved person for a resumed room.
type UserDataPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// MessageOut is one timeline message emitted to the room.
type MessageOut struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	From     string         `json:"from"`
	Actor    string         `json:"actor"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MessageListInitPayload replays a room's timeline on join.
type MessageListInitPayload struct {
	Messages []MessageOut `json:"messages"`
}

// MessageStatusPayload reports a delivery status change for one message.
type MessageStatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ChatStatePayload reports typing indication.
type ChatStatePayload struct {
	State string `json:"state"`
}

// ErrorPayload is sent before closing a rejected connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ChatStateComposing is the only chat state relayed to widget clients.
const ChatStateComposing = "composing"
