package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter talks to the OpenAI chat completions and embeddings API.
// Any OpenAI-compatible endpoint works through BaseURL.
type OpenAIAdapter struct {
	id         string
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	client     *http.Client
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	id := cfg.ID
	if id == "" {
		id = "openai"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIAdapter{
		id:         id,
		apiKey:     cfg.APIKey,
		baseURL:    base,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		client:     &http.Client{Timeout: timeout},
	}
}

func (a *OpenAIAdapter) ID() string    { return a.id }
func (a *OpenAIAdapter) Model() string { return a.model }

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	body := openAIChatRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var parsed openAIChatResponse
	if err := a.postJSON(ctx, "/chat/completions", body, &parsed); err != nil {
		return GenerateResult{}, err
	}
	if len(parsed.Choices) == 0 {
		return GenerateResult{}, malformedError(a.id, fmt.Errorf("no choices in response"))
	}

	model := parsed.Model
	if model == "" {
		model = a.model
	}
	return GenerateResult{
		Content: parsed.Choices[0].Message.Content,
		ModelID: model,
		Usage: TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// StreamGenerate consumes the SSE chat stream, invoking onDelta per fragment.
// The returned result holds the concatenated content; usage comes from the
// final usage chunk when the endpoint sends one.
func (a *OpenAIAdapter) StreamGenerate(ctx context.Context, req GenerateRequest, onDelta func(delta string) error) (GenerateResult, error) {
	body := openAIChatRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	resp, err := a.post(ctx, "/chat/completions", body)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return GenerateResult{}, httpError(a.id, resp.StatusCode, string(data))
	}

	var (
		content strings.Builder
		result  GenerateResult
	)
	result.ModelID = a.model

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk openAIChatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			result.Usage = TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return GenerateResult{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return GenerateResult{}, networkError(a.id, err)
	}

	result.Content = content.String()
	return result, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (a *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if a.embedModel == "" {
		return nil, ErrEmbeddingUnsupported
	}

	var parsed openAIEmbedResponse
	err := a.postJSON(ctx, "/embeddings", openAIEmbedRequest{Model: a.embedModel, Input: []string{text}}, &parsed)
	if err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, malformedError(a.id, fmt.Errorf("no embedding in response"))
	}
	return parsed.Data[0].Embedding, nil
}

func (a *OpenAIAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return networkError(a.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return httpError(a.id, resp.StatusCode, string(data))
	}
	return nil
}

func (a *OpenAIAdapter) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, networkError(a.id, err)
	}
	return resp, nil
}

func (a *OpenAIAdapter) postJSON(ctx context.Context, path string, body, out any) error {
	resp, err := a.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return networkError(a.id, err)
	}
	if resp.StatusCode != http.StatusOK {
		return httpError(a.id, resp.StatusCode, truncate(string(data), 512))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return malformedError(a.id, err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
