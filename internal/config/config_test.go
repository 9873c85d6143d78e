package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Debounce.DelaySeconds != 15 {
		t.Fatalf("expected default debounce delay 15, got %d", cfg.Debounce.DelaySeconds)
	}
	if cfg.Conversation.MaxLength != 100 {
		t.Fatalf("expected default max length 100, got %d", cfg.Conversation.MaxLength)
	}
	if cfg.Transfer.Threshold != 0.6 {
		t.Fatalf("expected default transfer threshold 0.6, got %v", cfg.Transfer.Threshold)
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("expected default webhook attempts 3, got %d", cfg.Webhook.MaxAttempts)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"debounce":{"delaySeconds":5},"transfer":{"threshold":0.95},"conversation":{"timeoutMinutes":10}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Debounce.DelaySeconds != 5 {
		t.Fatalf("expected debounce delay 5, got %d", cfg.Debounce.DelaySeconds)
	}
	if cfg.Transfer.Threshold != 0.95 {
		t.Fatalf("expected threshold 0.95, got %v", cfg.Transfer.Threshold)
	}
	if cfg.Conversation.TimeoutMinutes != 10 {
		t.Fatalf("expected timeout 10, got %d", cfg.Conversation.TimeoutMinutes)
	}
	// untouched group still defaulted
	if cfg.Conversation.MaxLength != 100 {
		t.Fatalf("expected default max length 100, got %d", cfg.Conversation.MaxLength)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Fatalf("expected env redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Store.Path = "/var/lib/dispatchd/store.db"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.Store.Path != cfg.Store.Path {
		t.Fatalf("store path mismatch: %q vs %q", loaded.Store.Path, cfg.Store.Path)
	}
}
