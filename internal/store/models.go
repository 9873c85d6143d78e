package store

import "time"

// ArchivedConversation is a closed conversation persisted for audit and
// continuity. History holds the full turn list as JSON.
type ArchivedConversation struct {
	ID             int64
	ConversationID string
	TenantID       string
	UserID         string
	AgentID        string
	Reason         string
	History        string
	MessageCount   int
	ArchivedAt     time.Time
}

// Archive close reasons.
const (
	ReasonMaxLength = "max_length_exceeded"
	ReasonTimeout   = "conversation_timeout"
	ReasonManual    = "manual"
)

// TokenUsageLog is one immutable LLM usage record. Rows are never
// updated after insert.
type TokenUsageLog struct {
	ID               int64
	TenantID         string
	AgentID          string
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	CreatedAt        time.Time
}

// Limit types for token budgets.
const (
	LimitMonthly = "monthly"
	LimitDaily   = "daily"
)

// TokenUsageLimit is a configured token budget. AgentID empty means the
// limit applies tenant-wide; an agent-specific row takes precedence.
type TokenUsageLimit struct {
	ID               int64
	TenantID         string
	AgentID          string
	LimitType        string
	MaxTokens        int64
	WarningThreshold float64
	NotifyPhone      string
	NotifySlack      string
	Enabled          bool
}

// TokenUsageAlert records a threshold crossing. Within the rolling 24h
// window small usage growth amends the existing row; growth of five
// percentage points or more opens a fresh row and re-notifies.
type TokenUsageAlert struct {
	ID               int64
	TenantID         string
	AgentID          string
	LimitType        string
	UsagePercent     float64
	TokensUsed       int64
	TokenLimit       int64
	NotificationSent bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Webhook is a registered event subscriber. EventTypes and DeviceIDs
// are JSON arrays; an empty device list matches every device and the
// event type "*" matches every event.
type Webhook struct {
	ID         string
	TenantID   string
	URL        string
	Secret     string
	EventTypes []string
	DeviceIDs  []string
	Enabled    bool
	CreatedAt  time.Time
}

// Webhook delivery statuses. Non-final failures log as retrying; the
// last attempt logs as failed.
const (
	DeliveryRetrying = "retrying"
	DeliverySuccess  = "success"
	DeliveryFailed   = "failed"
)

// WebhookLog records one delivery attempt of one event to one webhook.
// A delivery appends one row per attempt.
type WebhookLog struct {
	ID           int64
	WebhookID    string
	EventType    string
	Status       string
	Attempt      int
	ResponseCode int
	ResponseBody string
	ErrorText    string
	CreatedAt    time.Time
}
