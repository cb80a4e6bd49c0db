// ABOUTME: Tracks which conversations have been handed off to a human attendant.
// ABOUTME: The AI answers only while a conversation has no open ticket and no non-AI team.

package handoff

import (
	"strings"
	"sync"
)

// Gate decides per conversation whether the AI backend should answer.
// A conversation starts AI-owned and becomes attendant-owned when a human
// opens a ticket or a routing decision assigns it to a non-AI team. The
// transition is one-way: nothing moves a conversation back to AI-owned.
type Gate struct {
	mu         sync.RWMutex
	open       map[string]bool
	aiTeamName string
}

// New creates a gate. aiTeamName is the routing team whose assignment still
// counts as AI-owned; matching is case-insensitive.
func New(aiTeamName string) *Gate {
	return &Gate{
		open:       make(map[string]bool),
		aiTeamName: aiTeamName,
	}
}

// MarkTicketOpen records that a human attendant has taken over the
// conversation identified by key.
func (g *Gate) MarkTicketOpen(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[key] = true
}

// TicketOpen returns true if the conversation has been handed off.
func (g *Gate) TicketOpen(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.open[key]
}

// ShouldRespond reports whether the AI should answer a message in the
// conversation, given the team the routing platform assigned it to (empty if
// unassigned). Assignment to any team other than the AI team opens a ticket
// as a side effect, so later messages short-circuit without a team check.
func (g *Gate) ShouldRespond(key, team string) bool {
	if g.TicketOpen(key) {
		return false
	}

	// Unassigned conversations default to the AI.
	if team == "" {
		return true
	}
	if strings.EqualFold(team, g.aiTeamName) {
		return true
	}

	g.MarkTicketOpen(key)
	return false
}
