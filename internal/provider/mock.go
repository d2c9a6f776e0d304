package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

const mockEmbeddingDim = 1536

// MockAdapter produces deterministic replies and embeddings without any
// network dependency. It backs local development and tests.
type MockAdapter struct {
	id string
}

func NewMockAdapter(id string) *MockAdapter {
	if id == "" {
		id = "mock"
	}
	return &MockAdapter{id: id}
}

func (a *MockAdapter) ID() string    { return a.id }
func (a *MockAdapter) Model() string { return "mock-model" }

func (a *MockAdapter) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResult{}, err
	}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}

	content := fmt.Sprintf("You said: %q. This is a canned reply.", last)
	inputTokens := 0
	for _, m := range req.Messages {
		inputTokens += approxTokens(m.Content)
	}
	return GenerateResult{
		Content: content,
		ModelID: a.Model(),
		Usage: TokenUsage{
			InputTokens:  inputTokens,
			OutputTokens: approxTokens(content),
		},
	}, nil
}

// Embed hashes words into a fixed-dimension unit vector, so identical text
// always maps to the identical embedding.
func (a *MockAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, mockEmbeddingDim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%mockEmbeddingDim] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (a *MockAdapter) HealthCheck(ctx context.Context) error { return ctx.Err() }

func approxTokens(s string) int {
	return len([]rune(s))/4 + 1
}
