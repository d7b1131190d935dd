// Package tokenizer maps a model to a tokenizer implementation by format
// detection. Tokenizers are pluggable; the registry only consults model
// metadata, never backend internals.
package tokenizer

import (
	"fmt"
	"sync"

	"orchestd/pkg/types"
)

// Tokenizer is the minimal contract the orchestrator needs: token counting
// for prompt budgeting and round-trip encode/decode for backends that want
// to delegate.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokens []int) (string, error)
	Count(text string) (int, error)
	Name() string
}

// Factory builds a tokenizer for a model once its metadata is known.
type Factory func(model types.ModelInfo) (Tokenizer, error)

// Registry maps tokenizer kinds (from extracted metadata) to factories.
// Append-only after startup; reads take the lock only because registration
// order is not enforced by construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	// BPE encodings cover GGUF-family models well enough for counting.
	bpe := func(types.ModelInfo) (Tokenizer, error) { return NewBPE("cl100k_base") }
	r.Register("gpt2", bpe)
	r.Register("bpe", bpe)
	r.Register("llama", bpe)
	r.fallback = func(types.ModelInfo) (Tokenizer, error) { return newWordCount(), nil }
	return r
}

// Register adds a factory for a tokenizer kind, replacing any previous one.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// For resolves a tokenizer for the model. Resolution order: metadata
// tokenizer kind, then architecture, then the approximate fallback.
func (r *Registry) For(model types.ModelInfo) (Tokenizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model.Metadata != nil {
		if f, ok := r.factories[model.Metadata.TokenizerKind]; ok {
			return f(model)
		}
		if f, ok := r.factories[model.Metadata.Architecture]; ok {
			return f(model)
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no tokenizer for model %s", model.ID)
	}
	return r.fallback(model)
}
