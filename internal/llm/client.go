package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/leadclaw/internal/config"
)

// ErrUpstreamUnavailable marks failures of the model or search backend that
// the caller may retry. The engine never retries them itself.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Client is the language-model collaborator consumed by the engine.
type Client interface {
	Generate(ctx context.Context, payload []Message, cfg GenerationConfig) (string, error)
	GenerateStream(ctx context.Context, payload []Message, cfg GenerationConfig, onChunk func(chunk string) error) error
}

// ModelClient adapts an agentsdk-go model provider to Client.
type ModelClient struct {
	provider model.Provider
}

var _ Client = (*ModelClient)(nil)

func NewModelClient(provider model.Provider) *ModelClient {
	return &ModelClient{provider: provider}
}

// NewClient picks the provider from cfg the same way the gateway runtime does.
func NewClient(cfg *config.Config) (*ModelClient, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("API key not set. Run 'leadclaw onboard' or set LEADCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

	var provider model.Provider
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}
	return NewModelClient(provider), nil
}

func (c *ModelClient) Generate(ctx context.Context, payload []Message, cfg GenerationConfig) (string, error) {
	mdl, err := c.model(ctx)
	if err != nil {
		return "", err
	}
	resp, err := mdl.Complete(ctx, buildRequest(payload, cfg))
	if err != nil {
		return "", classify(ctx, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrUpstreamUnavailable)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (c *ModelClient) GenerateStream(ctx context.Context, payload []Message, cfg GenerationConfig, onChunk func(chunk string) error) error {
	if onChunk == nil {
		return errors.New("stream callback required")
	}
	mdl, err := c.model(ctx)
	if err != nil {
		return err
	}
	err = mdl.CompleteStream(ctx, buildRequest(payload, cfg), func(sr model.StreamResult) error {
		if sr.Delta == "" {
			return nil
		}
		return onChunk(sr.Delta)
	})
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (c *ModelClient) model(ctx context.Context) (model.Model, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("%w: no model provider configured", ErrUpstreamUnavailable)
	}
	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve model: %w", ErrUpstreamUnavailable, err)
	}
	return mdl, nil
}

// buildRequest folds system turns into Request.System and maps RoleModel
// back to the provider's "assistant" role.
func buildRequest(payload []Message, cfg GenerationConfig) model.Request {
	var system []string
	messages := make([]model.Message, 0, len(payload))
	for _, m := range payload {
		switch m.Role {
		case RoleSystem:
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
		case RoleModel:
			messages = append(messages, model.Message{Role: "assistant", Content: m.Content})
		default:
			messages = append(messages, model.Message{Role: "user", Content: m.Content})
		}
	}

	req := model.Request{
		Messages:  messages,
		System:    strings.Join(system, "\n\n"),
		MaxTokens: cfg.MaxOutputTokens,
	}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		req.Temperature = &temp
	}
	return req
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("generate: %w", ctxErr)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
