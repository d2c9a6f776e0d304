package prompt

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// TokenCounter estimates token counts for budget trimming.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// approxCounter is the fallback when the encoder cannot load: roughly four
// runes per token, biased high so budgets stay safe.
type approxCounter struct{}

func (approxCounter) Count(text string) int {
	return len([]rune(text))/4 + 1
}

// NewTokenCounter returns a cl100k_base counter backed by the offline BPE
// loader, falling back to a rune heuristic if the encoding is unavailable.
func NewTokenCounter() TokenCounter {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("prompt: tiktoken unavailable, using approximate counter", "error", err)
		return approxCounter{}
	}
	return &tiktokenCounter{enc: enc}
}
