// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides people/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS instances (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			chat_id      TEXT NOT NULL UNIQUE,
			client_token TEXT NOT NULL,
			system_token TEXT NOT NULL,
			chat_enabled INTEGER NOT NULL DEFAULT 1,
			tenant_id    TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS people (
			id                   TEXT PRIMARY KEY,
			name                 TEXT,
			email                TEXT,
			phone_number         TEXT,
			messaging_identifier TEXT,
			original_identifier  TEXT,
			tenant_id            TEXT,
			created_at           TEXT NOT NULL,
			deleted_at           TEXT
		);

		DROP INDEX IF EXISTS idx_people_messaging;
		CREATE UNIQUE INDEX idx_people_messaging
			ON people(messaging_identifier, COALESCE(tenant_id, ''))
			WHERE messaging_identifier IS NOT NULL AND deleted_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_people_original
			ON people(original_identifier);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			person_id   TEXT NOT NULL REFERENCES people(id),
			instance_id TEXT NOT NULL REFERENCES instances(id),
			target      TEXT,
			tenant_id   TEXT,
			started_at  TEXT NOT NULL,
			finished_at TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
			ON conversations(person_id, instance_id)
			WHERE finished_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_person
			ON conversations(person_id, started_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			from_address    TEXT NOT NULL,
			to_address      TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text/plain',
			actor           TEXT NOT NULL DEFAULT 'user',
			status          TEXT NOT NULL DEFAULT 'sent',
			content         TEXT NOT NULL,
			metadata        TEXT,
			created_at      TEXT NOT NULL,
			delivered_at    TEXT,
			read_at         TEXT,

			CHECK (actor IN ('user', 'system', 'assistant', 'function')),
			CHECK (status IN ('sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to a NULL-able sql value
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime formats an optional time as RFC3339 or NULL
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// parseNullTime parses an optional RFC3339 column
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateInstance creates a new bot instance.
// Returns an error if the chat ID is already registered.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *Instance) error {
	query := `
		INSERT INTO instances (id, name, chat_id, client_token, system_token, chat_enabled, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	enabled := 0
	if inst.ChatEnabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		inst.ChatID,
		inst.ClientToken,
		inst.SystemToken,
		enabled,
		nullString(inst.TenantID),
		inst.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	s.logger.Debug("created instance", "id", inst.ID, "chat_id", inst.ChatID)
	return nil
}

func (s *SQLiteStore) scanInstance(row *sql.Row) (*Instance, error) {
	var inst Instance
	var enabled int
	var tenantID sql.NullString
	var createdAtStr string

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&inst.ChatID,
		&inst.ClientToken,
		&inst.SystemToken,
		&enabled,
		&tenantID,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying instance: %w", err)
	}

	inst.ChatEnabled = enabled != 0
	inst.TenantID = tenantID.String
	inst.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &inst, nil
}

// GetInstance retrieves an instance by ID.
// Returns ErrNotFound if the instance doesn't exist.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `
		SELECT id, name, chat_id, client_token, system_token, chat_enabled, tenant_id, created_at
		FROM instances
		WHERE id = ?
	`
	return s.scanInstance(s.db.QueryRowContext(ctx, query, id))
}

// GetInstanceByChatID retrieves an instance by its public chat ID.
// Returns ErrNotFound if no instance is registered for the chat ID.
func (s *SQLiteStore) GetInstanceByChatID(ctx context.Context, chatID string) (*Instance, error) {
	query := `
		SELECT id, name, chat_id, client_token, system_token, chat_enabled, tenant_id, created_at
		FROM instances
		WHERE chat_id = ?
	`
	return s.scanInstance(s.db.QueryRowContext(ctx, query, chatID))
}

// ListInstances returns all configured instances.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	query := `
		SELECT id, name, chat_id, client_token, system_token, chat_enabled, tenant_id, created_at
		FROM instances
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		var inst Instance
		var enabled int
		var tenantID sql.NullString
		var createdAtStr string

		if err := rows.Scan(&inst.ID, &inst.Name, &inst.ChatID, &inst.ClientToken,
			&inst.SystemToken, &enabled, &tenantID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		inst.ChatEnabled = enabled != 0
		inst.TenantID = tenantID.String
		inst.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// CreatePerson creates a new person.
// Returns ErrDuplicatePerson if the messaging identifier is already taken.
func (s *SQLiteStore) CreatePerson(ctx context.Context, p *Person) error {
	query := `
		INSERT INTO people (id, name, email, phone_number, messaging_identifier, original_identifier, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		nullString(p.Name),
		nullString(p.Email),
		nullString(p.PhoneNumber),
		nullString(p.MessagingIdentifier),
		nullString(p.OriginalIdentifier),
		nullString(p.TenantID),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicatePerson
		}
		return fmt.Errorf("inserting person: %w", err)
	}

	s.logger.Debug("created person", "id", p.ID, "identifier", p.MessagingIdentifier)
	return nil
}

func scanPerson(scan func(dest ...any) error) (*Person, error) {
	var p Person
	var name, email, phone, messaging, original, tenant, deletedAt sql.NullString
	var createdAtStr string

	err := scan(
		&p.ID,
		&name,
		&email,
		&phone,
		&messaging,
		&original,
		&tenant,
		&createdAtStr,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Name = name.String
	p.Email = email.String
	p.PhoneNumber = phone.String
	p.MessagingIdentifier = messaging.String
	p.OriginalIdentifier = original.String
	p.TenantID = tenant.String

	p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	p.DeletedAt, err = parseNullTime(deletedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}
	return &p, nil
}

// GetPerson retrieves a person by ID.
// Returns ErrNotFound if the person doesn't exist.
func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	query := `
		SELECT id, name, email, phone_number, messaging_identifier, original_identifier, tenant_id, created_at, deleted_at
		FROM people
		WHERE id = ? AND deleted_at IS NULL
	`

	row := s.db.QueryRowContext(ctx, query, id)
	p, err := scanPerson(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying person: %w", err)
	}
	return p, nil
}

// FindPersonByIdentifier finds the most recently created person whose
// messaging or original identifier matches. tenantID narrows the match when
// non-empty. Returns ErrNotFound when no person matches.
func (s *SQLiteStore) FindPersonByIdentifier(ctx context.Context, identifier, tenantID string) (*Person, error) {
	query := `
		SELECT id, name, email, phone_number, messaging_identifier, original_identifier, tenant_id, created_at, deleted_at
		FROM people
		WHERE (messaging_identifier = ? OR original_identifier = ?)
		  AND deleted_at IS NULL
	`
	args := []any{identifier, identifier}

	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	p, err := scanPerson(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying person by identifier: %w", err)
	}
	return p, nil
}

// UpdatePersonName sets a person's display name.
func (s *SQLiteStore) UpdatePersonName(ctx context.Context, id, name string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE people SET name = ? WHERE id = ? AND deleted_at IS NULL`, name, id)
	if err != nil {
		return fmt.Errorf("updating person name: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation creates a new conversation.
// Returns ErrDuplicateConversation if the person/instance pair already has an
// open conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (id, person_id, instance_id, target, tenant_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.PersonID,
		c.InstanceID,
		nullString(c.Target),
		nullString(c.TenantID),
		c.StartedAt.UTC().Format(time.RFC3339),
		nullTime(c.FinishedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "person_id", c.PersonID)
	return nil
}

// FindOpenConversation returns the newest open conversation for a
// person/instance pair. Returns ErrNotFound when none is open.
func (s *SQLiteStore) FindOpenConversation(ctx context.Context, personID, instanceID string) (*Conversation, error) {
	query := `
		SELECT id, person_id, instance_id, target, tenant_id, started_at, finished_at
		FROM conversations
		WHERE person_id = ? AND instance_id = ? AND finished_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`

	var c Conversation
	var target, tenant, finishedAt sql.NullString
	var startedAtStr string

	err := s.db.QueryRowContext(ctx, query, personID, instanceID).Scan(
		&c.ID,
		&c.PersonID,
		&c.InstanceID,
		&target,
		&tenant,
		&startedAtStr,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}

	c.Target = target.String
	c.TenantID = tenant.String
	c.StartedAt, err = time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	c.FinishedAt, err = parseNullTime(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &c, nil
}

// FinishConversation closes a conversation by setting its finished time.
func (s *SQLiteStore) FinishConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("finishing conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage inserts a timeline entry. The message ID is the idempotency
// key: a second insert with the same ID returns ErrDuplicateMessage and the
// stored row is unchanged.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	var metadataJSON sql.NullString
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO messages (id, conversation_id, from_address, to_address, type, actor, status, content, metadata, created_at, delivered_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	msgType := msg.Type
	if msgType == "" {
		msgType = MessageTypeText
	}
	actor := msg.Actor
	if actor == "" {
		actor = ActorUser
	}
	status := msg.Status
	if status == "" {
		status = StatusSent
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.From,
		msg.To,
		msgType,
		actor,
		status,
		msg.Content,
		metadataJSON,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(msg.DeliveredAt),
		nullTime(msg.ReadAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("inserted message", "id", msg.ID, "conversation_id", msg.ConversationID, "actor", actor)
	return nil
}

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var msg Message
	var metadataJSON, deliveredAt, readAt sql.NullString
	var createdAtStr string

	err := scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.From,
		&msg.To,
		&msg.Type,
		&msg.Actor,
		&msg.Status,
		&msg.Content,
		&metadataJSON,
		&createdAtStr,
		&deliveredAt,
		&readAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	// Messages carry nanosecond precision so same-second exchanges keep
	// their order; RFC3339Nano parses plain RFC3339 too.
	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.DeliveredAt, err = parseNullTime(deliveredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing delivered_at: %w", err)
	}
	msg.ReadAt, err = parseNullTime(readAt)
	if err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	return &msg, nil
}

const messageColumns = `id, conversation_id, from_address, to_address, type, actor, status, content, metadata, created_at, delivered_at, read_at`

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListConversationMessages returns a conversation's messages ordered oldest
// first. limit <= 0 returns all messages.
func (s *SQLiteStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id`
	args := []any{conversationID}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UpdateMessageStatus sets a message's delivery status.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageDelivered records a delivery receipt.
func (s *SQLiteStore) MarkMessageDelivered(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, delivered_at = ? WHERE id = ?`,
		StatusDelivered, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageRead records a read receipt.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, read_at = ? WHERE id = ?`,
		StatusRead, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
