package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 18791
	DefaultBufSize     = 100

	DefaultTokenBudget    = 6000
	DefaultCacheTTL       = "30m"
	DefaultMinHistory     = 4
	DefaultRecentTail     = 4
	DefaultSweepEvery     = "10m"
	DefaultFollowUpDelay  = "24h"
	DefaultLookupTimeout  = "4s"
	DefaultSynthTimeout   = "10s"
	DefaultResearchTTL    = "24h"
	DefaultResearchQueue  = 32
	DefaultResearchWorker = 2
	DefaultLiveInterval   = "5s"
	DefaultLiveRate       = 2.0
	DefaultLiveBurst      = 4
	DefaultSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Optimizer OptimizerConfig `json:"optimizer"`
	Research  ResearchConfig  `json:"research"`
	Live      LiveConfig      `json:"live"`
}

type AgentConfig struct {
	Workspace     string  `json:"workspace"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	Persona       string  `json:"persona,omitempty"`
	FollowUpDelay string  `json:"followUpDelay,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

// OptimizerConfig bounds the prompt handed to the chat model.
type OptimizerConfig struct {
	TokenBudget int    `json:"tokenBudget"`
	CacheTTL    string `json:"cacheTtl,omitempty"`
	MinHistory  int    `json:"minHistory"`
	RecentTail  int    `json:"recentTail"`
	SweepEvery  string `json:"sweepEvery,omitempty"`
}

type ResearchConfig struct {
	Enabled          bool         `json:"enabled"`
	LookupTimeout    string       `json:"lookupTimeout,omitempty"`
	SynthesisTimeout string       `json:"synthesisTimeout,omitempty"`
	TTL              string       `json:"ttl,omitempty"`
	QueueSize        int          `json:"queueSize"`
	Workers          int          `json:"workers"`
	Search           SearchConfig `json:"search"`
}

type SearchConfig struct {
	APIKey   string `json:"apiKey,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// LiveConfig throttles low-latency generation calls per caller.
type LiveConfig struct {
	MinInterval string  `json:"minInterval,omitempty"`
	RatePerSec  float64 `json:"ratePerSec"`
	Burst       int     `json:"burst"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:     filepath.Join(home, ".leadclaw", "workspace"),
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			Temperature:   DefaultTemperature,
			FollowUpDelay: DefaultFollowUpDelay,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Optimizer: OptimizerConfig{
			TokenBudget: DefaultTokenBudget,
			CacheTTL:    DefaultCacheTTL,
			MinHistory:  DefaultMinHistory,
			RecentTail:  DefaultRecentTail,
			SweepEvery:  DefaultSweepEvery,
		},
		Research: ResearchConfig{
			Enabled:          true,
			LookupTimeout:    DefaultLookupTimeout,
			SynthesisTimeout: DefaultSynthTimeout,
			TTL:              DefaultResearchTTL,
			QueueSize:        DefaultResearchQueue,
			Workers:          DefaultResearchWorker,
			Search: SearchConfig{
				Endpoint: DefaultSearchEndpoint,
			},
		},
		Live: LiveConfig{
			MinInterval: DefaultLiveInterval,
			RatePerSec:  DefaultLiveRate,
			Burst:       DefaultLiveBurst,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".leadclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath returns the configured store path or the default under ConfigDir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "leadclaw.db")
}

// ParseDuration reads a config duration such as "30m", falling back when the
// value is empty, malformed or not positive.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("LEADCLAW_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("LEADCLAW_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("LEADCLAW_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if token := os.Getenv("LEADCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("LEADCLAW_SEARCH_API_KEY"); key != "" {
		cfg.Research.Search.APIKey = key
	}
	if endpoint := os.Getenv("LEADCLAW_SEARCH_ENDPOINT"); endpoint != "" {
		cfg.Research.Search.Endpoint = endpoint
	}
	if dbPath := os.Getenv("LEADCLAW_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if budget := os.Getenv("LEADCLAW_TOKEN_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil {
			cfg.Optimizer.TokenBudget = parsed
		}
	}
	if enabled := os.Getenv("LEADCLAW_RESEARCH_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Research.Enabled = parsed
		}
	}
}

func normalize(cfg *Config) {
	defaults := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = defaults.Agent.Workspace
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.FollowUpDelay == "" {
		cfg.Agent.FollowUpDelay = DefaultFollowUpDelay
	}
	if cfg.Optimizer.TokenBudget <= 0 {
		cfg.Optimizer.TokenBudget = DefaultTokenBudget
	}
	if cfg.Optimizer.CacheTTL == "" {
		cfg.Optimizer.CacheTTL = DefaultCacheTTL
	}
	if cfg.Optimizer.MinHistory <= 0 {
		cfg.Optimizer.MinHistory = DefaultMinHistory
	}
	if cfg.Optimizer.RecentTail <= 0 {
		cfg.Optimizer.RecentTail = DefaultRecentTail
	}
	cfg.Optimizer.RecentTail = max(cfg.Optimizer.RecentTail, cfg.Optimizer.MinHistory)
	if cfg.Optimizer.SweepEvery == "" {
		cfg.Optimizer.SweepEvery = DefaultSweepEvery
	}
	if cfg.Research.LookupTimeout == "" {
		cfg.Research.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.Research.SynthesisTimeout == "" {
		cfg.Research.SynthesisTimeout = DefaultSynthTimeout
	}
	if cfg.Research.TTL == "" {
		cfg.Research.TTL = DefaultResearchTTL
	}
	if cfg.Research.QueueSize <= 0 {
		cfg.Research.QueueSize = DefaultResearchQueue
	}
	if cfg.Research.Workers <= 0 {
		cfg.Research.Workers = DefaultResearchWorker
	}
	if cfg.Research.Search.Endpoint == "" {
		cfg.Research.Search.Endpoint = DefaultSearchEndpoint
	}
	if cfg.Live.MinInterval == "" {
		cfg.Live.MinInterval = DefaultLiveInterval
	}
	if cfg.Live.RatePerSec <= 0 {
		cfg.Live.RatePerSec = DefaultLiveRate
	}
	if cfg.Live.Burst <= 0 {
		cfg.Live.Burst = DefaultLiveBurst
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
