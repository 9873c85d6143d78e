// Package llm is the completion backend client. It speaks the
// OpenAI-compatible chat API, which also covers OpenRouter and other
// proxies.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/orchestrator"
)

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	apiKey       string
	apiBase      string
	defaultModel string
	maxTokens    int
	temperature  float64
	httpClient   *http.Client
}

// NewClient creates a client from config.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimSuffix(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateResponse sends the conversation to the model and returns the
// assistant reply with its token usage.
func (c *Client) GenerateResponse(ctx context.Context, model string, messages []orchestrator.Message) (string, orchestrator.LLMUsage, error) {
	if model == "" {
		model = c.defaultModel
	}

	body, err := json.Marshal(map[string]any{
		"model":       model,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
	})
	if err != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("completion API status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("completion API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", orchestrator.LLMUsage{}, fmt.Errorf("completion API returned no choices")
	}

	usage := orchestrator.LLMUsage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
