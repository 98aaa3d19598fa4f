// Package tokencount provides tiktoken-based token counting shared by every
// LLM provider client, used for the context manager's trim and reset
// heuristics (spec.md §4.6).
package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // lazily-initialized shared codec, guarded by sync.Once
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// Count returns the number of tokens in text using the cl100k-family
// encoding, falling back to a character-based estimate if the tokenizer
// cannot be constructed. All four providers approximate with this same
// encoding; provider usage counts are not passed back, so nothing replaces it.
func Count(text string) int {
	c := getCodec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountAll sums Count across multiple strings, used to estimate a full
// message history or tool schema list.
func CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Count(t)
	}
	return total
}
