// Package utils provides token counting used to keep prompts and tool output within model limits.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a GPT-4 (cl100k) encoding. Every supported
// provider is approximated with the same encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. The model name only affects error messages.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, falling back to len/4.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit cuts text to roughly limit tokens, keeping whole runes.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	runes := []rune(text)
	keep := int(float64(len(runes)) * float64(limit) / float64(current) * 0.9)
	if keep >= len(runes) {
		return text
	}
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + "...[truncated]"
}

//nolint:gochecknoglobals // shared codec, built once
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

func shared() *TokenCounter {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter("default")
	})
	return defaultCounter
}

// CountTokens counts tokens with the shared counter.
func CountTokens(text string) int {
	return shared().CountTokens(text)
}

// TruncateToTokens truncates with the shared counter.
func TruncateToTokens(text string, limit int) string {
	return shared().TruncateToTokenLimit(text, limit)
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
