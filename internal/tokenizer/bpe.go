package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Default loading fetches encodings over HTTP on first use; an on-device
// daemon cannot assume connectivity, so encodings come from the loader's
// embedded assets instead.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// BPE wraps pkoukk/tiktoken-go with its offline encoding loader.
type BPE struct {
	enc  *tiktoken.Tiktoken
	name string
}

// NewBPE creates a BPE tokenizer for a named encoding (e.g. cl100k_base).
func NewBPE(encodingName string) (*BPE, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingName, err)
	}
	return &BPE{enc: enc, name: encodingName}, nil
}

func (b *BPE) Encode(text string) ([]int, error) {
	return b.enc.Encode(text, nil, nil), nil
}

func (b *BPE) Decode(tokens []int) (string, error) {
	return b.enc.Decode(tokens), nil
}

func (b *BPE) Count(text string) (int, error) {
	return len(b.enc.Encode(text, nil, nil)), nil
}

func (b *BPE) Name() string { return b.name }

// wordCount approximates token counts when no real tokenizer matches.
// Good enough for admission heuristics; never used for generation.
type wordCount struct{}

func newWordCount() *wordCount { return &wordCount{} }

func (w *wordCount) Encode(text string) ([]int, error) {
	n := len(strings.Fields(text))
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

func (w *wordCount) Decode([]int) (string, error) {
	return "", fmt.Errorf("wordcount tokenizer cannot decode")
}

func (w *wordCount) Count(text string) (int, error) {
	// Rough heuristic: one token per ~4 characters, floor at word count.
	words := len(strings.Fields(text))
	chars := len(text) / 4
	if chars > words {
		return chars, nil
	}
	return words, nil
}

func (w *wordCount) Name() string { return "wordcount" }
