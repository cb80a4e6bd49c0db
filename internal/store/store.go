// ABOUTME: Store interface and data types for mia-relay persistence
// ABOUTME: Defines Instance, Person, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when inserting a message whose ID already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicatePerson is returned when creating a person whose messaging
// identifier is already taken
var ErrDuplicatePerson = errors.New("person already exists")

// ErrDuplicateConversation is returned when creating an open conversation for
// a person/instance pair that already has one
var ErrDuplicateConversation = errors.New("open conversation already exists")

// Instance is a configured bot instance: one chat widget deployment with its
// credentials and channel wiring.
type Instance struct {
	ID          string
	Name        string
	ChatID      string
	ClientToken string
	SystemToken string
	ChatEnabled bool
	TenantID    string
	CreatedAt   time.Time
}

// Person is a durable end-user identity. MessagingIdentifier is the canonical
// channel address (room@domain, phone@c.us); OriginalIdentifier preserves the
// raw form the channel first reported, so later lookups match either.
type Person struct {
	ID                  string
	Name                string
	Email               string
	PhoneNumber         string
	MessagingIdentifier string
	OriginalIdentifier  string
	TenantID            string
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// Conversation groups the messages a person exchanges with an instance.
// A conversation is open while FinishedAt is nil; each person/instance pair
// has at most one open conversation.
type Conversation struct {
	ID         string
	PersonID   string
	InstanceID string
	Target     string
	TenantID   string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Message content types
const (
	MessageTypeText      = "text/plain"
	MessageTypeMediaLink = "application/vnd.lime.media-link+json"
)

// Message actors
const (
	ActorUser      = "user"
	ActorSystem    = "system"
	ActorAssistant = "assistant"
	ActorFunction  = "function"
)

// Message statuses
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is one timeline entry. ID doubles as the idempotency key: inserting
// the same ID twice returns ErrDuplicateMessage and leaves a single row.
type Message struct {
	ID             string
	ConversationID string
	From           string
	To             string
	Type           string
	Actor          string
	Status         string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// Store defines the persistence interface for instances, people,
// conversations, and the message timeline.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetInstanceByChatID(ctx context.Context, chatID string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)

	// People
	CreatePerson(ctx context.Context, p *Person) error
	GetPerson(ctx context.Context, id string) (*Person, error)
	FindPersonByIdentifier(ctx context.Context, identifier, tenantID string) (*Person, error)
	UpdatePersonName(ctx context.Context, id, name string) error

	// Conversations
	CreateConversation(ctx context.Context, c *Conversation) error
	FindOpenConversation(ctx context.Context, personID, instanceID string) (*Conversation, error)
	FinishConversation(ctx context.Context, id string) error

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	UpdateMessageStatus(ctx context.Context, id, status string) error
	MarkMessageDelivered(ctx context.Context, id string, at time.Time) error
	MarkMessageRead(ctx context.Context, id string, at time.Time) error

	// Close releases any resources held by the store
	Close() error
}
