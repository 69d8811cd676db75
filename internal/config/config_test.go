package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LEADCLAW_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"LEADCLAW_BASE_URL", "ANTHROPIC_BASE_URL", "LEADCLAW_MODEL",
		"LEADCLAW_TELEGRAM_TOKEN", "LEADCLAW_SEARCH_API_KEY", "LEADCLAW_SEARCH_ENDPOINT",
		"LEADCLAW_DB_PATH", "LEADCLAW_TOKEN_BUDGET", "LEADCLAW_RESEARCH_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Gateway.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Gateway.Port, DefaultPort)
	}
	if cfg.Optimizer.TokenBudget != DefaultTokenBudget {
		t.Errorf("tokenBudget = %d, want %d", cfg.Optimizer.TokenBudget, DefaultTokenBudget)
	}
	if cfg.Optimizer.RecentTail != DefaultRecentTail {
		t.Errorf("recentTail = %d, want %d", cfg.Optimizer.RecentTail, DefaultRecentTail)
	}
	if !cfg.Research.Enabled {
		t.Error("research should be enabled by default")
	}
	if cfg.Research.Search.Endpoint != DefaultSearchEndpoint {
		t.Errorf("search endpoint = %q", cfg.Research.Search.Endpoint)
	}
	if cfg.Agent.Workspace == "" {
		t.Error("workspace should not be empty")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Agent.Model)
	}
	if cfg.Research.Workers != DefaultResearchWorker {
		t.Errorf("workers = %d, want %d", cfg.Research.Workers, DefaultResearchWorker)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".leadclaw")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	testCfg := map[string]any{
		"agent": map[string]any{
			"model":     "claude-opus-4-20250514",
			"maxTokens": 2048,
		},
		"provider": map[string]any{
			"apiKey": "sk-test-key",
		},
		"optimizer": map[string]any{
			"tokenBudget": 1500,
			"recentTail":  0,
		},
	}
	data, _ := json.MarshalIndent(testCfg, "", "  ")
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != "claude-opus-4-20250514" {
		t.Errorf("model = %q, want claude-opus-4-20250514", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTokens != 2048 {
		t.Errorf("maxTokens = %d, want 2048", cfg.Agent.MaxTokens)
	}
	if cfg.Provider.APIKey != "sk-test-key" {
		t.Errorf("apiKey = %q, want sk-test-key", cfg.Provider.APIKey)
	}
	if cfg.Optimizer.TokenBudget != 1500 {
		t.Errorf("tokenBudget = %d, want 1500", cfg.Optimizer.TokenBudget)
	}
	if cfg.Optimizer.RecentTail != DefaultRecentTail {
		t.Errorf("zero recentTail should normalize to %d, got %d", DefaultRecentTail, cfg.Optimizer.RecentTail)
	}
}

func TestLoadConfig_RecentTailCoversMinHistory(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".leadclaw")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := []byte(`{"optimizer":{"minHistory":6,"recentTail":2}}`)
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Optimizer.RecentTail != 6 {
		t.Errorf("recentTail = %d, want raised to minHistory 6", cfg.Optimizer.RecentTail)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".leadclaw")
	_ = os.MkdirAll(cfgDir, 0755)
	_ = os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{not json"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	t.Setenv("LEADCLAW_API_KEY", "lead-key")
	t.Setenv("LEADCLAW_MODEL", "gpt-test")
	t.Setenv("LEADCLAW_SEARCH_API_KEY", "search-key")
	t.Setenv("LEADCLAW_DB_PATH", "/tmp/leads.db")
	t.Setenv("LEADCLAW_TOKEN_BUDGET", "900")
	t.Setenv("LEADCLAW_RESEARCH_ENABLED", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "lead-key" {
		t.Errorf("apiKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Agent.Model != "gpt-test" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Research.Search.APIKey != "search-key" {
		t.Errorf("search key = %q", cfg.Research.Search.APIKey)
	}
	if cfg.DBPath() != "/tmp/leads.db" {
		t.Errorf("db path = %q", cfg.DBPath())
	}
	if cfg.Optimizer.TokenBudget != 900 {
		t.Errorf("tokenBudget = %d", cfg.Optimizer.TokenBudget)
	}
	if cfg.Research.Enabled {
		t.Error("research should be disabled by env")
	}
}

func TestLoadConfig_OpenAIKeySetsProviderType(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "oa-key")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "oa-key" || cfg.Provider.Type != "openai" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
}

func TestDBPathDefault(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	cfg := DefaultConfig()
	want := filepath.Join(tmpDir, ".leadclaw", "data", "leadclaw.db")
	if got := cfg.DBPath(); got != want {
		t.Fatalf("DBPath = %q, want %q", got, want)
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "saved-key"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Provider.APIKey != "saved-key" {
		t.Errorf("apiKey = %q, want saved-key", loaded.Provider.APIKey)
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("30m", time.Second); got != 30*time.Minute {
		t.Fatalf("got %v", got)
	}
	for _, bad := range []string{"", "soon", "-1s", "0s"} {
		if got := ParseDuration(bad, time.Second); got != time.Second {
			t.Fatalf("ParseDuration(%q) = %v, want fallback", bad, got)
		}
	}
}
