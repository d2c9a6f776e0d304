package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicAdapter talks to the Anthropic messages API. The API takes a single
// system string, so system prompt fragments are merged before sending.
type AnthropicAdapter struct {
	id      string
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewAnthropicAdapter(cfg Config) *AnthropicAdapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	id := cfg.ID
	if id == "" {
		id = "anthropic"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicAdapter{
		id:      id,
		apiKey:  cfg.APIKey,
		baseURL: base,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *AnthropicAdapter) ID() string    { return a.id }
func (a *AnthropicAdapter) Model() string { return a.model }

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *AnthropicAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	system, rest := splitSystem(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:       a.model,
		System:      system,
		Messages:    rest,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return GenerateResult{}, networkError(a.id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return GenerateResult{}, networkError(a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, httpError(a.id, resp.StatusCode, truncate(string(raw), 512))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return GenerateResult{}, malformedError(a.id, err)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return GenerateResult{}, malformedError(a.id, fmt.Errorf("no text content in response"))
	}

	model := parsed.Model
	if model == "" {
		model = a.model
	}
	return GenerateResult{
		Content: content.String(),
		ModelID: model,
		Usage: TokenUsage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// Embed always fails: the messages API has no embedding endpoint. The router
// skips this adapter when picking an embedder.
func (a *AnthropicAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrEmbeddingUnsupported
}

func (a *AnthropicAdapter) HealthCheck(ctx context.Context) error {
	res, err := a.Generate(ctx, GenerateRequest{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	_ = res
	return nil
}

// splitSystem merges leading and interleaved system messages into one string
// and returns the remaining conversation turns.
func splitSystem(messages []Message) (string, []anthropicMessage) {
	var (
		system strings.Builder
		rest   = make([]anthropicMessage, 0, len(messages))
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}
		rest = append(rest, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return system.String(), rest
}
