package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/orchestrator"
)

func TestGenerateResponseParsesUsage(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-1" {
			t.Errorf("auth = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "Olá!"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 42, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIKey: "key-1", APIBase: srv.URL, DefaultModel: "gpt-4o-mini", MaxTokens: 512, Temperature: 0.5})
	reply, usage, err := c.GenerateResponse(context.Background(), "", []orchestrator.Message{
		{Role: "system", Content: "seja breve"},
		{Role: "user", Content: "oi"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "Olá!" {
		t.Fatalf("reply = %q", reply)
	}
	if usage.PromptTokens != 42 || usage.CompletionTokens != 7 {
		t.Fatalf("usage = %+v", usage)
	}
	if gotReq["model"] != "gpt-4o-mini" {
		t.Fatalf("model = %v, want the default", gotReq["model"])
	}
}

func TestGenerateResponseSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIBase: srv.URL, DefaultModel: "gpt-4o-mini"})
	if _, _, err := c.GenerateResponse(context.Background(), "gpt-4o", nil); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestGenerateResponseRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{APIBase: srv.URL, DefaultModel: "gpt-4o-mini"})
	if _, _, err := c.GenerateResponse(context.Background(), "", nil); err == nil {
		t.Fatal("expected error on empty choices")
	}
}
