//go:build llama

package backend

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"orchestd/internal/hardware"
	"orchestd/pkg/types"
)

// NewLlamaDescriptor describes the in-process llama.cpp backend. Built only
// with the 'llama' tag; default builds get the stub in llama_stub.go.
func NewLlamaDescriptor(ctxSize, threads int) Descriptor {
	return Descriptor{
		Tag:            "llamacpp",
		Formats:        []types.Format{types.FormatGGUF},
		Accelerator:    hardware.AccelNone,
		Performance:    0.6,
		MemoryOverhead: 1.2,
		New: func() ServiceHandle {
			return &llamaHandle{ctxSize: ctxSize, threads: threads}
		},
	}
}

// llamaHandle owns one loaded model.
type llamaHandle struct {
	ctxSize int
	threads int

	mu    sync.Mutex
	model *llama.LLama
	size  int64
}

func (h *llamaHandle) Initialize(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := llama.New(path, llama.SetContext(h.ctxSize))
	if err != nil {
		return err
	}
	var size int64
	if fi, serr := os.Stat(path); serr == nil {
		size = fi.Size()
	}
	h.mu.Lock()
	h.model = m
	h.size = size
	h.mu.Unlock()
	return nil
}

func (h *llamaHandle) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerationResult, error) {
	h.mu.Lock()
	m := h.model
	h.mu.Unlock()
	if m == nil {
		return types.GenerationResult{}, errors.New("llama model not initialized")
	}
	m.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})
	text, err := m.Predict(prompt, predictOptions(opts, h.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return types.GenerationResult{}, ctx.Err()
		}
		return types.GenerationResult{}, err
	}
	return types.GenerationResult{Text: text, FinishReason: "stop"}, nil
}

func (h *llamaHandle) MemoryUsage() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return 0
	}
	// Approximation: resident weights track artifact size for GGUF.
	return h.size
}

func (h *llamaHandle) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		h.model.Free()
		h.model = nil
	}
	return nil
}

func predictOptions(opts types.GenerateOptions, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, opts.MaxTokens)),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopP(posF(opts.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(posI(opts.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(posF(opts.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(posF(opts.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if opts.Seed != 0 {
		po = append(po, llama.SetSeed(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func posI(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func posF(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}
