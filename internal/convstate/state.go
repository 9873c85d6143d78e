// Package convstate provides TTL-bound conversation session state
// backed by Redis, with a longer-lived user → conversation index.
package convstate

import (
	"time"

	"github.com/google/uuid"
)

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single entry in a conversation's ordered history.
type Turn struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	AgentID   string            `json:"agent_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Meta holds per-conversation bookkeeping. Parsed once at the boundary;
// never re-read from loose JSON blobs.
type Meta struct {
	TransferCount          int       `json:"transfer_count"`
	PreviousFocus          []float64 `json:"previous_focus,omitempty"`
	LastSummary            string    `json:"last_summary,omitempty"`
	LastSummaryAt          int64     `json:"last_summary_at,omitempty"`
	PreviousConversationID string    `json:"previous_conversation_id,omitempty"`
	// NextAgentID is set by a specialist consultation command and applied
	// at the top of the following turn.
	NextAgentID string `json:"next_agent_id,omitempty"`
}

// State is the live session state for one conversation.
// Exactly one live state exists per ID; concurrent writers to the same
// ID can race (reads and writes are independent round trips).
type State struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	CurrentAgentID string `json:"current_agent_id"`
	History        []Turn `json:"history"`
	Metadata       Meta   `json:"metadata"`
	LastUpdated    int64  `json:"last_updated"`
}

// New creates a fresh conversation state for a tenant user.
func New(tenantID, userID, agentID string) *State {
	return &State{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		UserID:         userID,
		CurrentAgentID: agentID,
		LastUpdated:    time.Now().Unix(),
	}
}

// Append adds a turn to the history and bumps LastUpdated.
func (s *State) Append(role, content, agentID string) {
	s.History = append(s.History, Turn{
		Role:      role,
		Content:   content,
		AgentID:   agentID,
		Timestamp: time.Now(),
	})
	s.LastUpdated = time.Now().Unix()
}

// AssistantTurns returns up to the last n assistant turns, oldest first.
func (s *State) AssistantTurns(n int) []Turn {
	var out []Turn
	for i := len(s.History) - 1; i >= 0 && len(out) < n; i-- {
		if s.History[i].Role == RoleAssistant {
			out = append(out, s.History[i])
		}
	}
	// reverse back to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// RecentTurns returns up to the last n turns, oldest first.
func (s *State) RecentTurns(n int) []Turn {
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// IdleSince returns how long the conversation has been idle at the
// given instant.
func (s *State) IdleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.LastUpdated, 0))
}
