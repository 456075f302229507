package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts backend tokens in a prompt.
type TokenCounter interface {
	CountTokens(text string) int
}

// EstimateTokens estimates the number of tokens in the given text.
// Uses a simple heuristic of approximately 4 characters per token,
// which is a reasonable approximation for English text with GPT-style tokenizers.
func EstimateTokens(text string) int {
	// Ceiling division: (chars + 3) / 4 rounds up
	return (len(text) + 3) / 4
}

// EstimateCounter is the fallback TokenCounter used when the host offers none.
type EstimateCounter struct{}

// CountTokens implements TokenCounter.
func (EstimateCounter) CountTokens(text string) int { return EstimateTokens(text) }

// TiktokenCounter counts tokens with a BPE encoding such as cl100k_base.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter loads the named encoding. An empty name selects cl100k_base.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %q: %w", encoding, err)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// CountTokens implements TokenCounter. It falls back to the estimate if the
// encoder rejects the input.
func (t *TiktokenCounter) CountTokens(text string) int {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return EstimateTokens(text)
	}
	return len(ids)
}

var (
	_ TokenCounter = EstimateCounter{}
	_ TokenCounter = (*TiktokenCounter)(nil)
)
