// ABOUTME: In-memory session table correlating help-desk conversations with AI continuity keys.
// ABOUTME: Indexed by session ID, platform conversation ID, and contact source ID under one lock.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session correlates a help-desk conversation with the key used for AI
// conversational continuity. A session outlives any single webhook delivery
// and is deactivated, not deleted, when idle.
type Session struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ContactID      string    `json:"contact_id"`
	SourceID       string    `json:"source_id"`
	InboxID        string    `json:"inbox_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Active         bool      `json:"active"`
}

// Stats summarizes the table for monitoring endpoints.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

// Table holds sessions with secondary indices by platform conversation ID and
// by contact source ID. All three indices mutate under a single mutex so no
// interleaving can observe a session reachable through one index but not
// another.
type Table struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	byConversation map[string]string // conversation ID -> session ID
	bySource       map[string]string // source ID -> session ID
	logger         *slog.Logger
}

// NewTable creates an empty session table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sessions:       make(map[string]*Session),
		byConversation: make(map[string]string),
		bySource:       make(map[string]string),
		logger:         logger.With("component", "session-table"),
	}
}

// GetOrCreate returns the session for a webhook delivery, creating one if no
// index matches. Lookup order: conversation ID first, then source ID. A hit
// through the source ID cross-registers the new conversation ID, so distinct
// platform conversations from the same contact converge on one session and
// the AI keeps its conversational memory.
func (t *Table) GetOrCreate(conversationID, contactID, sourceID, inboxID string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if id, ok := t.byConversation[conversationID]; ok {
		s := t.sessions[id]
		s.LastActivity = now
		s.Active = true
		return *s
	}

	if sourceID != "" {
		if id, ok := t.bySource[sourceID]; ok {
			s := t.sessions[id]
			// Same contact reached us through a new platform conversation.
			t.byConversation[conversationID] = s.ID
			s.ConversationID = conversationID
			s.LastActivity = now
			s.Active = true
			t.logger.Info("session converged by source ID",
				"session_id", s.ID,
				"conversation_id", conversationID,
				"source_id", sourceID)
			return *s
		}
	}

	s := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ContactID:      contactID,
		SourceID:       sourceID,
		InboxID:        inboxID,
		CreatedAt:      now,
		LastActivity:   now,
		Active:         true,
	}
	t.sessions[s.ID] = s
	t.byConversation[conversationID] = s.ID
	if sourceID != "" {
		t.bySource[sourceID] = s.ID
	}

	t.logger.Info("session created",
		"session_id", s.ID,
		"conversation_id", conversationID,
		"source_id", sourceID)
	return *s
}

// Get returns a session by its ID.
func (t *Table) Get(id string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetByConversationID returns the session indexed by a platform conversation ID.
func (t *Table) GetByConversationID(conversationID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byConversation[conversationID]
	if !ok {
		return Session{}, false
	}
	return *t.sessions[id], true
}

// GetBySourceID returns the session indexed by a contact source ID.
func (t *Table) GetBySourceID(sourceID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.bySource[sourceID]
	if !ok {
		return Session{}, false
	}
	return *t.sessions[id], true
}

// Touch refreshes a session's last-activity time and reactivates it.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		s.LastActivity = time.Now()
		s.Active = true
	}
}

// Deactivate marks a session inactive. The session and its index entries
// remain so a returning contact reactivates the same session.
func (t *Table) Deactivate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		s.Active = false
	}
}

// Remove deletes a session and all of its index entries.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return
	}
	delete(t.byConversation, s.ConversationID)
	if s.SourceID != "" {
		delete(t.bySource, s.SourceID)
	}
	delete(t.sessions, id)
}

// ActiveSessions returns a snapshot of all active sessions.
func (t *Table) ActiveSessions() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if s.Active {
			out = append(out, *s)
		}
	}
	return out
}

// Stats returns total, active, and inactive session counts.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Stats{Total: len(t.sessions)}
	for _, s := range t.sessions {
		if s.Active {
			st.Active++
		} else {
			st.Inactive++
		}
	}
	return st
}

// Cleanup deactivates sessions idle longer than threshold and returns how
// many were deactivated. Sessions are never deleted by cleanup.
func (t *Table) Cleanup(threshold time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	n := 0
	for _, s := range t.sessions {
		if s.Active && now.Sub(s.LastActivity) > threshold {
			s.Active = false
			n++
		}
	}
	return n
}

// StartCleanup runs periodic idle cleanup until ctx is cancelled.
func (t *Table) StartCleanup(ctx context.Context, interval, threshold time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := t.Cleanup(threshold); n > 0 {
					t.logger.Info("deactivated idle sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
