// Package llm is the narrow boundary between the engine and a language model.
package llm

import "strings"

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// Message is one turn of model input.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NormalizeRole maps free-form roles onto the two conversational roles the
// model accepts. "assistant" and "model" become RoleModel; "system" is kept;
// everything else is RoleUser.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant", "model":
		return RoleModel
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// Kind selects a row of the generation defaults table.
type Kind string

const (
	KindChat     Kind = "chat"
	KindAnalysis Kind = "analysis"
	KindDocument Kind = "document"
	KindLive     Kind = "live"
	KindResearch Kind = "research"
)

// CacheConfig is a provider hint; clients that cannot cache ignore it.
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttlSeconds"`
}

type GenerationConfig struct {
	MaxOutputTokens int         `json:"maxOutputTokens"`
	Temperature     float64     `json:"temperature"`
	Cache           CacheConfig `json:"cacheConfig"`
}

// DefaultConfigs is the fixed per-kind generation table.
var DefaultConfigs = map[Kind]GenerationConfig{
	KindChat:     {MaxOutputTokens: 1024, Temperature: 0.7, Cache: CacheConfig{Enabled: true, TTLSeconds: 300}},
	KindAnalysis: {MaxOutputTokens: 2048, Temperature: 0.3, Cache: CacheConfig{Enabled: true, TTLSeconds: 600}},
	KindDocument: {MaxOutputTokens: 4096, Temperature: 0.4, Cache: CacheConfig{Enabled: true, TTLSeconds: 3600}},
	KindLive:     {MaxOutputTokens: 256, Temperature: 0.8, Cache: CacheConfig{Enabled: false}},
	KindResearch: {MaxOutputTokens: 2048, Temperature: 0.2, Cache: CacheConfig{Enabled: true, TTLSeconds: 86400}},
}

// ConfigFor returns the defaults for kind, falling back to KindChat.
func ConfigFor(kind Kind) GenerationConfig {
	if cfg, ok := DefaultConfigs[kind]; ok {
		return cfg
	}
	return DefaultConfigs[KindChat]
}
