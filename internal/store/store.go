// Package store is the durable sqlite layer: archived conversations,
// token usage accounting, and webhook registrations with their delivery
// logs. Conversation live state stays in Redis; only closed or billable
// facts land here.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	agent_id TEXT,
	reason TEXT NOT NULL,
	history TEXT NOT NULL DEFAULT '[]',
	message_count INTEGER NOT NULL DEFAULT 0,
	archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_archived_tenant_user ON archived_conversations(tenant_id, user_id);

CREATE TABLE IF NOT EXISTS token_usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	agent_id TEXT,
	conversation_id TEXT,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant_created ON token_usage_logs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_agent ON token_usage_logs(agent_id);

CREATE TABLE IF NOT EXISTS token_usage_limits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	limit_type TEXT NOT NULL,
	max_tokens INTEGER NOT NULL,
	warning_threshold REAL NOT NULL DEFAULT 0.8,
	notify_phone TEXT DEFAULT '',
	notify_slack TEXT DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT 1,
	UNIQUE(tenant_id, agent_id, limit_type)
);

CREATE TABLE IF NOT EXISTS token_usage_alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	limit_type TEXT NOT NULL,
	usage_percent REAL NOT NULL,
	tokens_used INTEGER NOT NULL,
	token_limit INTEGER NOT NULL,
	notification_sent BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_alerts_lookup ON token_usage_alerts(tenant_id, agent_id, limit_type, created_at);

CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	url TEXT NOT NULL,
	secret TEXT DEFAULT '',
	event_types TEXT NOT NULL DEFAULT '["*"]',
	device_ids TEXT NOT NULL DEFAULT '[]',
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhooks_tenant ON webhooks(tenant_id);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 1,
	response_code INTEGER NOT NULL DEFAULT 0,
	response_body TEXT DEFAULT '',
	error_text TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook ON webhook_logs(webhook_id);
`

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open dispatch db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migrations for existing dbs (no-op if column exists).
	_, _ = db.Exec(`ALTER TABLE token_usage_limits ADD COLUMN notify_slack TEXT DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE webhooks ADD COLUMN device_ids TEXT NOT NULL DEFAULT '[]'`)
	_, _ = db.Exec(`ALTER TABLE webhook_logs ADD COLUMN attempt INTEGER NOT NULL DEFAULT 1`)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that keep their own
// tables in the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Archived conversations ---

// ArchiveConversation persists a closed conversation.
func (s *Store) ArchiveConversation(rec *ArchivedConversation) error {
	_, err := s.db.Exec(`INSERT INTO archived_conversations
		(conversation_id, tenant_id, user_id, agent_id, reason, history, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.TenantID, rec.UserID, rec.AgentID,
		rec.Reason, rec.History, rec.MessageCount)
	if err != nil {
		return fmt.Errorf("archive conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

// ListArchivedConversations returns a user's archive, newest first.
func (s *Store) ListArchivedConversations(tenantID, userID string, limit int) ([]ArchivedConversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, conversation_id, tenant_id, user_id,
		COALESCE(agent_id,''), reason, history, message_count, archived_at
		FROM archived_conversations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY archived_at DESC LIMIT ?`, tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived conversations: %w", err)
	}
	defer rows.Close()

	var out []ArchivedConversation
	for rows.Next() {
		var a ArchivedConversation
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.TenantID, &a.UserID,
			&a.AgentID, &a.Reason, &a.History, &a.MessageCount, &a.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Token usage ---

// InsertUsage appends one immutable usage record.
func (s *Store) InsertUsage(rec *TokenUsageLog) error {
	res, err := s.db.Exec(`INSERT INTO token_usage_logs
		(tenant_id, agent_id, conversation_id, model, prompt_tokens, completion_tokens, total_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.AgentID, rec.ConversationID, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Cost)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// SumUsageSince totals token usage for a tenant since a point in time.
// agentID empty sums across all agents.
func (s *Store) SumUsageSince(tenantID, agentID string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM token_usage_logs WHERE tenant_id = ? AND created_at >= ?`
	args := []any{tenantID, since.UTC()}
	if agentID != "" {
		query += " AND agent_id = ?"
		args = append(args, agentID)
	}
	var total int64
	if err := s.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// UpsertLimit creates or replaces a token budget row.
func (s *Store) UpsertLimit(l *TokenUsageLimit) error {
	_, err := s.db.Exec(`INSERT INTO token_usage_limits
		(tenant_id, agent_id, limit_type, max_tokens, warning_threshold, notify_phone, notify_slack, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, agent_id, limit_type) DO UPDATE SET
			max_tokens = excluded.max_tokens,
			warning_threshold = excluded.warning_threshold,
			notify_phone = excluded.notify_phone,
			notify_slack = excluded.notify_slack,
			enabled = excluded.enabled`,
		l.TenantID, l.AgentID, l.LimitType, l.MaxTokens, l.WarningThreshold,
		l.NotifyPhone, l.NotifySlack, l.Enabled)
	if err != nil {
		return fmt.Errorf("upsert limit: %w", err)
	}
	return nil
}

// GetLimit resolves the effective budget for an agent: the agent-
// specific row wins, otherwise the tenant-wide row. Returns (nil, nil)
// when neither exists.
func (s *Store) GetLimit(tenantID, agentID, limitType string) (*TokenUsageLimit, error) {
	query := `SELECT id, tenant_id, agent_id, limit_type, max_tokens, warning_threshold,
		COALESCE(notify_phone,''), COALESCE(notify_slack,''), enabled
		FROM token_usage_limits
		WHERE tenant_id = ? AND limit_type = ? AND enabled = 1 AND agent_id IN (?, '')
		ORDER BY agent_id DESC LIMIT 1`
	var l TokenUsageLimit
	err := s.db.QueryRow(query, tenantID, limitType, agentID).Scan(
		&l.ID, &l.TenantID, &l.AgentID, &l.LimitType, &l.MaxTokens,
		&l.WarningThreshold, &l.NotifyPhone, &l.NotifySlack, &l.Enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limit: %w", err)
	}
	return &l, nil
}

// GetRecentAlert returns the newest alert for the scope created at or
// after since, or (nil, nil) when none exists.
func (s *Store) GetRecentAlert(tenantID, agentID, limitType string, since time.Time) (*TokenUsageAlert, error) {
	var a TokenUsageAlert
	err := s.db.QueryRow(`SELECT id, tenant_id, agent_id, limit_type, usage_percent,
		tokens_used, token_limit, notification_sent, created_at, updated_at
		FROM token_usage_alerts
		WHERE tenant_id = ? AND agent_id = ? AND limit_type = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, agentID, limitType, since.UTC()).Scan(
		&a.ID, &a.TenantID, &a.AgentID, &a.LimitType, &a.UsagePercent,
		&a.TokensUsed, &a.TokenLimit, &a.NotificationSent, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recent alert: %w", err)
	}
	return &a, nil
}

// InsertAlert creates a new alert row.
func (s *Store) InsertAlert(a *TokenUsageAlert) error {
	res, err := s.db.Exec(`INSERT INTO token_usage_alerts
		(tenant_id, agent_id, limit_type, usage_percent, tokens_used, token_limit, notification_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.TenantID, a.AgentID, a.LimitType, a.UsagePercent, a.TokensUsed, a.TokenLimit, a.NotificationSent)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// AmendAlert updates an existing alert's usage numbers in place.
func (s *Store) AmendAlert(id int64, usagePercent float64, tokensUsed int64) error {
	_, err := s.db.Exec(`UPDATE token_usage_alerts
		SET usage_percent = ?, tokens_used = ?, updated_at = datetime('now')
		WHERE id = ?`, usagePercent, tokensUsed, id)
	return err
}

// MarkAlertNotified records that the alert's notification went out.
func (s *Store) MarkAlertNotified(id int64) error {
	_, err := s.db.Exec(`UPDATE token_usage_alerts SET notification_sent = 1, updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

// CountAlerts returns the number of alert rows for a scope (all time).
func (s *Store) CountAlerts(tenantID, agentID, limitType string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM token_usage_alerts
		WHERE tenant_id = ? AND agent_id = ? AND limit_type = ?`,
		tenantID, agentID, limitType).Scan(&n)
	return n, err
}

// --- Webhooks ---

// CreateWebhook registers a webhook subscription.
func (s *Store) CreateWebhook(w *Webhook) error {
	events, err := json.Marshal(w.EventTypes)
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	devices, err := json.Marshal(w.DeviceIDs)
	if err != nil {
		return fmt.Errorf("encode device ids: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO webhooks (id, tenant_id, url, secret, event_types, device_ids, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.URL, w.Secret, string(events), string(devices), w.Enabled)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns all enabled webhooks for a tenant.
func (s *Store) ListWebhooks(tenantID string) ([]Webhook, error) {
	rows, err := s.db.Query(`SELECT id, tenant_id, url, COALESCE(secret,''),
		event_types, device_ids, enabled, created_at
		FROM webhooks WHERE tenant_id = ? AND enabled = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		var events, devices string
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret,
			&events, &devices, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &w.EventTypes); err != nil {
			w.EventTypes = []string{"*"}
		}
		if err := json.Unmarshal([]byte(devices), &w.DeviceIDs); err != nil {
			w.DeviceIDs = nil
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWebhookEnabled toggles a webhook subscription.
func (s *Store) SetWebhookEnabled(id string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE webhooks SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// AppendWebhookLog records the outcome of one delivery attempt and
// sets the row id.
func (s *Store) AppendWebhookLog(l *WebhookLog) error {
	res, err := s.db.Exec(`INSERT INTO webhook_logs
		(webhook_id, event_type, status, attempt, response_code, response_body, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.WebhookID, l.EventType, l.Status, l.Attempt,
		l.ResponseCode, l.ResponseBody, l.ErrorText)
	if err != nil {
		return fmt.Errorf("append webhook log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListWebhookLogs returns the delivery log of one webhook in attempt
// order.
func (s *Store) ListWebhookLogs(webhookID string) ([]WebhookLog, error) {
	rows, err := s.db.Query(`SELECT id, webhook_id, event_type, status, attempt,
		response_code, COALESCE(response_body,''), COALESCE(error_text,''), created_at
		FROM webhook_logs WHERE webhook_id = ? ORDER BY id`, webhookID)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []WebhookLog
	for rows.Next() {
		var l WebhookLog
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventType, &l.Status, &l.Attempt,
			&l.ResponseCode, &l.ResponseBody, &l.ErrorText, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
