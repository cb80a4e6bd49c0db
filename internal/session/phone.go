// ABOUTME: Phone-keyed session table for the WhatsApp gateway channel.
// ABOUTME: One session per phone number, deactivated (never deleted) when idle.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PhoneSession correlates a phone number with the key used for AI
// conversational continuity on the WhatsApp channel.
type PhoneSession struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// PhoneTable holds one session per phone number.
type PhoneTable struct {
	mu       sync.Mutex
	sessions map[string]*PhoneSession // keyed by phone
	logger   *slog.Logger
}

// NewPhoneTable creates an empty phone session table.
func NewPhoneTable(logger *slog.Logger) *PhoneTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhoneTable{
		sessions: make(map[string]*PhoneSession),
		logger:   logger.With("component", "phone-session-table"),
	}
}

// GetOrCreate returns the session for a phone number, creating one on first
// contact and reactivating it on return.
func (t *PhoneTable) GetOrCreate(phone string) PhoneSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if s, ok := t.sessions[phone]; ok {
		s.LastActivity = now
		s.Active = true
		return *s
	}

	s := &PhoneSession{
		ID:           uuid.New().String(),
		Phone:        phone,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	t.sessions[phone] = s
	t.logger.Info("phone session created", "session_id", s.ID, "phone", phone)
	return *s
}

// Get returns the session for a phone number.
func (t *PhoneTable) Get(phone string) (PhoneSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[phone]
	if !ok {
		return PhoneSession{}, false
	}
	return *s, true
}

// Stats returns total, active, and inactive session counts.
func (t *PhoneTable) Stats() Stats {
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
// many were deactivated.
func (t *PhoneTable) Cleanup(threshold time.Duration) int {
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
func (t *PhoneTable) StartCleanup(ctx context.Context, interval, threshold time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := t.Cleanup(threshold); n > 0 {
					t.logger.Info("deactivated idle phone sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
