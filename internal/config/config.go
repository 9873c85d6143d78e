// Package config provides configuration types and loading for dispatchd.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Redis, Store, Kafka, Gateway, Debounce, Conversation,
// Transfer, RAG, Memory, Tokens, Webhook, Notify.
type Config struct {
	Redis        RedisConfig        `json:"redis"`
	Store        StoreConfig        `json:"store"`
	Kafka        KafkaConfig        `json:"kafka"`
	Gateway      GatewayConfig      `json:"gateway"`
	Debounce     DebounceConfig     `json:"debounce"`
	Conversation ConversationConfig `json:"conversation"`
	Transfer     TransferConfig     `json:"transfer"`
	RAG          RAGConfig          `json:"rag"`
	Memory       MemoryConfig       `json:"memory"`
	Tokens       TokensConfig       `json:"tokens"`
	Webhook      WebhookConfig      `json:"webhook"`
	Notify       NotifyConfig       `json:"notify"`
	LLM          LLMConfig          `json:"llm"`
	Agents       AgentsConfig       `json:"agents"`
}

// LLMConfig configures the completion backend. Any OpenAI-compatible
// endpoint works.
type LLMConfig struct {
	APIKey       string  `json:"apiKey,omitempty" envconfig:"LLM_API_KEY"`
	APIBase      string  `json:"apiBase" envconfig:"LLM_API_BASE"`
	DefaultModel string  `json:"defaultModel" envconfig:"LLM_DEFAULT_MODEL"`
	MaxTokens    int     `json:"maxTokens" envconfig:"LLM_MAX_TOKENS"`
	Temperature  float64 `json:"temperature" envconfig:"LLM_TEMPERATURE"`
}

// AgentsConfig points at the tenant agent roster file.
type AgentsConfig struct {
	Path string `json:"path" envconfig:"AGENTS_PATH"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr     string `json:"addr" envconfig:"REDIS_ADDR"`
	Password string `json:"password,omitempty" envconfig:"REDIS_PASSWORD"`
	DB       int    `json:"db" envconfig:"REDIS_DB"`
}

// StoreConfig configures the durable sqlite store.
type StoreConfig struct {
	Path string `json:"path" envconfig:"STORE_PATH"`
}

// KafkaConfig configures the gateway event ingress.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"KAFKA_ENABLED"`
	Brokers       string   `json:"brokers" envconfig:"KAFKA_BROKERS"`
	ConsumerGroup string   `json:"consumerGroup" envconfig:"KAFKA_CONSUMER_GROUP"`
	Topics        []string `json:"topics"`
}

// GatewayConfig configures the messaging gateway the engine talks back to.
type GatewayConfig struct {
	BaseURL      string `json:"baseUrl" envconfig:"GATEWAY_BASE_URL"`
	InboundToken string `json:"inboundToken,omitempty" envconfig:"GATEWAY_INBOUND_TOKEN"`
	ListenAddr   string `json:"listenAddr" envconfig:"GATEWAY_LISTEN_ADDR"`
}

// DebounceConfig configures the inbound message merge queue.
type DebounceConfig struct {
	DelaySeconds int `json:"delaySeconds" envconfig:"DEBOUNCE_DELAY_SECONDS"`
	QueueTTLSecs int `json:"queueTtlSeconds" envconfig:"DEBOUNCE_QUEUE_TTL_SECONDS"`
}

// Delay returns the debounce window as a duration.
func (d DebounceConfig) Delay() time.Duration {
	return time.Duration(d.DelaySeconds) * time.Second
}

// ConversationConfig governs the conversation state machine.
type ConversationConfig struct {
	MaxLength            int `json:"maxLength" envconfig:"CONVERSATION_MAX_LENGTH"`
	TimeoutMinutes       int `json:"timeoutMinutes" envconfig:"CONVERSATION_TIMEOUT_MINUTES"`
	StateTTLHours        int `json:"stateTtlHours" envconfig:"CONVERSATION_STATE_TTL_HOURS"`
	UserMapTTLDays       int `json:"userMapTtlDays" envconfig:"CONVERSATION_USER_MAP_TTL_DAYS"`
	SummaryEveryMessages int `json:"summaryEveryMessages" envconfig:"SUMMARY_EVERY_MESSAGES"`
	SummaryMaxAgeMinutes int `json:"summaryMaxAgeMinutes" envconfig:"SUMMARY_MAX_AGE_MINUTES"`
	MaxCommandsPerReply  int `json:"maxCommandsPerReply" envconfig:"MAX_COMMANDS_PER_REPLY"`
}

// Timeout returns the idle timeout as a duration.
func (c ConversationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// TransferConfig governs agent transfer scoring.
type TransferConfig struct {
	Enabled                     bool    `json:"enabled" envconfig:"TRANSFER_ENABLED"`
	Threshold                   float64 `json:"threshold" envconfig:"TRANSFER_THRESHOLD"`
	MinMessagesBeforeTransfer   int     `json:"minMessagesBeforeTransfer" envconfig:"TRANSFER_MIN_MESSAGES"`
	MaxTransfersPerConversation int     `json:"maxTransfersPerConversation" envconfig:"TRANSFER_MAX_PER_CONVERSATION"`
	CooldownMessages            int     `json:"cooldownMessages" envconfig:"TRANSFER_COOLDOWN_MESSAGES"`
	PenaltyPerTransfer          float64 `json:"penaltyPerTransfer" envconfig:"TRANSFER_PENALTY_PER_TRANSFER"`
	TopicChangeBonusCap         float64 `json:"topicChangeBonusCap" envconfig:"TRANSFER_TOPIC_CHANGE_BONUS_CAP"`
}

// RAGConfig governs knowledge retrieval per turn.
type RAGConfig struct {
	TopPerCategory   int     `json:"topPerCategory" envconfig:"RAG_TOP_PER_CATEGORY"`
	MinRelevance     float64 `json:"minRelevance" envconfig:"RAG_MIN_RELEVANCE"`
	MaxCategories    int     `json:"maxCategories" envconfig:"RAG_MAX_CATEGORIES"`
	SearchTimeoutSec int     `json:"searchTimeoutSeconds" envconfig:"RAG_SEARCH_TIMEOUT_SECONDS"`
}

// MemoryConfig governs long-term memory recall.
type MemoryConfig struct {
	Enabled     bool `json:"enabled" envconfig:"MEMORY_ENABLED"`
	RecallLimit int  `json:"recallLimit" envconfig:"MEMORY_RECALL_LIMIT"`
}

// TokensConfig governs usage metering.
type TokensConfig struct {
	// CostPer1K maps model name to USD cost per 1000 tokens.
	CostPer1K       map[string]float64 `json:"costPer1k"`
	DefaultCost1K   float64            `json:"defaultCost1k" envconfig:"TOKENS_DEFAULT_COST_1K"`
	AlertWindowHours int               `json:"alertWindowHours" envconfig:"TOKENS_ALERT_WINDOW_HOURS"`
}

// WebhookConfig governs outbound webhook delivery.
type WebhookConfig struct {
	TimeoutSeconds  int `json:"timeoutSeconds" envconfig:"WEBHOOK_TIMEOUT_SECONDS"`
	MaxAttempts     int `json:"maxAttempts" envconfig:"WEBHOOK_MAX_ATTEMPTS"`
	BackoffBaseSecs int `json:"backoffBaseSeconds" envconfig:"WEBHOOK_BACKOFF_BASE_SECONDS"`
}

// NotifyConfig configures alert notification targets.
type NotifyConfig struct {
	SlackToken   string `json:"slackToken,omitempty" envconfig:"NOTIFY_SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel,omitempty" envconfig:"NOTIFY_SLACK_CHANNEL"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "http://127.0.0.1:18791"
	}
	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":18790"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "dispatchd"
	}
	if c.Debounce.DelaySeconds == 0 {
		c.Debounce.DelaySeconds = 15
	}
	if c.Debounce.QueueTTLSecs == 0 {
		c.Debounce.QueueTTLSecs = 300
	}
	if c.Conversation.MaxLength == 0 {
		c.Conversation.MaxLength = 100
	}
	if c.Conversation.TimeoutMinutes == 0 {
		c.Conversation.TimeoutMinutes = 60
	}
	if c.Conversation.StateTTLHours == 0 {
		c.Conversation.StateTTLHours = 24
	}
	if c.Conversation.UserMapTTLDays == 0 {
		c.Conversation.UserMapTTLDays = 7
	}
	if c.Conversation.SummaryEveryMessages == 0 {
		c.Conversation.SummaryEveryMessages = 10
	}
	if c.Conversation.SummaryMaxAgeMinutes == 0 {
		c.Conversation.SummaryMaxAgeMinutes = 30
	}
	if c.Conversation.MaxCommandsPerReply == 0 {
		c.Conversation.MaxCommandsPerReply = 3
	}
	if c.Transfer.Threshold == 0 {
		c.Transfer.Threshold = 0.6
	}
	if c.Transfer.MinMessagesBeforeTransfer == 0 {
		c.Transfer.MinMessagesBeforeTransfer = 2
	}
	if c.Transfer.MaxTransfersPerConversation == 0 {
		c.Transfer.MaxTransfersPerConversation = 3
	}
	if c.Transfer.CooldownMessages == 0 {
		c.Transfer.CooldownMessages = 3
	}
	if c.Transfer.PenaltyPerTransfer == 0 {
		c.Transfer.PenaltyPerTransfer = 0.15
	}
	if c.Transfer.TopicChangeBonusCap == 0 {
		c.Transfer.TopicChangeBonusCap = 0.2
	}
	if c.RAG.TopPerCategory == 0 {
		c.RAG.TopPerCategory = 3
	}
	if c.RAG.MinRelevance == 0 {
		c.RAG.MinRelevance = 0.5
	}
	if c.RAG.MaxCategories == 0 {
		c.RAG.MaxCategories = 3
	}
	if c.RAG.SearchTimeoutSec == 0 {
		c.RAG.SearchTimeoutSec = 5
	}
	if c.Memory.RecallLimit == 0 {
		c.Memory.RecallLimit = 5
	}
	if c.Tokens.DefaultCost1K == 0 {
		c.Tokens.DefaultCost1K = 0.002
	}
	if c.Tokens.AlertWindowHours == 0 {
		c.Tokens.AlertWindowHours = 24
	}
	if c.Webhook.TimeoutSeconds == 0 {
		c.Webhook.TimeoutSeconds = 10
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = 3
	}
	if c.Webhook.BackoffBaseSecs == 0 {
		c.Webhook.BackoffBaseSecs = 1
	}
	if c.LLM.APIBase == "" {
		c.LLM.APIBase = "https://api.openai.com/v1"
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
}
