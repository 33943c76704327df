// Package tokens estimates token counts for prompts and completions. The
// estimates feed the per-model cost table; they do not need to be exact, so
// every model maps onto the GPT-4 encoding and a character-based fallback
// covers tokenizer failures.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// fallbackCharsPerToken is the rough ratio used when no codec is available.
const fallbackCharsPerToken = 4

// Counter estimates token counts for one model's encoding.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter returns a counter for the given model. Claude, Gemini, and local
// models tokenize similarly enough to GPT-4 for cost estimation, so everything
// uses the GPT-4 codec. A tokenizer failure still yields a usable counter that
// falls back to character-based estimates.
func NewCounter(model string) *Counter {
	_ = model
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &Counter{}
	}
	return &Counter{codec: codec}
}

// Count returns the estimated number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / fallbackCharsPerToken
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / fallbackCharsPerToken
	}
	return count
}

// FitsLimit reports whether text fits within limit tokens.
func (c *Counter) FitsLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

// Estimate counts tokens with a shared default counter, for call sites that
// do not care about per-model encodings.
func Estimate(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter = NewCounter("gpt-4")
	})
	return defaultCounter.Count(text)
}
