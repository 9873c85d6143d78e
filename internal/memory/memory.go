// Package memory is the long-term memory layer: per-user facts and
// preferences recalled into the prompt, plus LLM-generated conversation
// summaries. Rows live in the shared sqlite database.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/convstate"
	"github.com/dispatchd/dispatchd/internal/orchestrator"
)

// Memory entry types.
const (
	TypeConversation   = "conversation"
	TypeUserPreference = "user_preference"
	TypeIssue          = "issue"
	TypeFact           = "fact"
	TypeAction         = "action"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'fact',
	content TEXT NOT NULL,
	importance REAL NOT NULL DEFAULT 0.5,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memories_tenant_user ON memories(tenant_id, user_id);
`

const summaryPrompt = "Resuma a conversa a seguir em no máximo cinco frases, " +
	"preservando pedidos em aberto, dados informados pelo cliente e o tom do atendimento. " +
	"Responda apenas com o resumo."

// Service implements recall, summarization and user profiles over
// sqlite. Summaries go through the completion backend.
type Service struct {
	db  *sql.DB
	llm orchestrator.LLMService
	// model used for summarization; empty lets the client pick its default.
	summaryModel string
}

// New creates the service and ensures its tables exist.
func New(db *sql.DB, llm orchestrator.LLMService, summaryModel string) (*Service, error) {
	if _, err := db.Exec(memorySchema); err != nil {
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Service{db: db, llm: llm, summaryModel: summaryModel}, nil
}

// Remember stores one memory entry.
func (s *Service) Remember(ctx context.Context, e orchestrator.MemoryEntry) error {
	if strings.TrimSpace(e.Content) == "" {
		return nil
	}
	if e.Type == "" {
		e.Type = TypeFact
	}
	if e.Importance == 0 {
		e.Importance = 0.5
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (tenant_id, user_id, type, content, importance)
		VALUES (?, ?, ?, ?, ?)`,
		e.TenantID, e.UserID, e.Type, e.Content, e.Importance)
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// RecallMemories returns the user's memories most relevant to the
// query, scored by term overlap weighted with importance and recency.
// Returned entries get their access counters bumped.
func (s *Service) RecallMemories(ctx context.Context, tenantID, userID, query string, limit int) ([]orchestrator.MemoryEntry, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, user_id, type, content, importance,
		created_at, last_accessed, access_count
		FROM memories WHERE tenant_id = ? AND user_id = ?
		ORDER BY created_at DESC LIMIT 200`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	defer rows.Close()

	var all []orchestrator.MemoryEntry
	for rows.Next() {
		var e orchestrator.MemoryEntry
		var id int64
		if err := rows.Scan(&id, &e.TenantID, &e.UserID, &e.Type, &e.Content,
			&e.Importance, &e.CreatedAt, &e.LastAccessed, &e.AccessCount); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprintf("%d", id)
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	now := time.Now()
	sort.SliceStable(all, func(i, j int) bool {
		return relevance(all[i], terms, now) > relevance(all[j], terms, now)
	})
	if len(all) > limit {
		all = all[:limit]
	}

	for _, e := range all {
		_, _ = s.db.ExecContext(ctx, `UPDATE memories
			SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP
			WHERE id = ?`, e.ID)
	}
	return all, nil
}

// GenerateConversationSummary asks the model for a short digest of the
// history. System turns are left out.
func (s *Service) GenerateConversationSummary(ctx context.Context, history []convstate.Turn) (string, error) {
	var b strings.Builder
	for _, t := range history {
		if t.Role == convstate.RoleSystem {
			continue
		}
		b.WriteString(t.Role + ": " + t.Content + "\n")
	}
	if b.Len() == 0 {
		return "", nil
	}

	messages := []orchestrator.Message{
		{Role: convstate.RoleSystem, Content: summaryPrompt},
		{Role: convstate.RoleUser, Content: b.String()},
	}
	summary, _, err := s.llm.GenerateResponse(ctx, s.summaryModel, messages)
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// GetUserProfile renders the user's preference and fact memories as a
// bullet list for the system prompt. Empty when nothing is stored.
func (s *Service) GetUserProfile(ctx context.Context, tenantID, userID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, content FROM memories
		WHERE tenant_id = ? AND user_id = ? AND type IN (?, ?)
		ORDER BY importance DESC, created_at DESC LIMIT 10`,
		tenantID, userID, TypeUserPreference, TypeFact)
	if err != nil {
		return "", fmt.Errorf("load user profile: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var typ, content string
		if err := rows.Scan(&typ, &content); err != nil {
			return "", err
		}
		lines = append(lines, "- "+content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func queryTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}

// relevance blends term overlap, importance and recency. A memory with
// no term hits still surfaces on importance alone when nothing matches.
func relevance(e orchestrator.MemoryEntry, terms []string, now time.Time) float64 {
	content := strings.ToLower(e.Content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}
	score := float64(hits) + e.Importance
	age := now.Sub(e.CreatedAt)
	if age < 7*24*time.Hour {
		score += 0.2
	}
	return score
}
