package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role tags one prompt fragment.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged prompt fragment.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type GenerateRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type GenerateResult struct {
	Content string
	ModelID string
	Usage   TokenUsage
}

// Adapter is the uniform surface over one upstream AI backend.
// Adapters are stateless beyond connection configuration.
type Adapter interface {
	ID() string
	Model() string
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	HealthCheck(ctx context.Context) error
}

// Streamer is an optional capability: adapters that can yield ordered content
// fragments implement it in addition to Generate.
type Streamer interface {
	StreamGenerate(ctx context.Context, req GenerateRequest, onDelta func(delta string) error) (GenerateResult, error)
}

// ErrEmbeddingUnsupported marks adapters whose backend has no embedding endpoint.
var ErrEmbeddingUnsupported = errors.New("adapter does not support embeddings")

// Config controls adapter construction.
type Config struct {
	ID         string
	Kind       string
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	Timeout    time.Duration
}

// New builds one adapter for the configured backend kind.
func New(cfg Config) (Adapter, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	switch kind {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("openai adapter requires an API key")
		}
		return NewOpenAIAdapter(cfg), nil
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("anthropic adapter requires an API key")
		}
		return NewAnthropicAdapter(cfg), nil
	case "mock":
		return NewMockAdapter(cfg.ID), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}
