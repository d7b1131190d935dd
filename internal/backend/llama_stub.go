//go:build !llama

package backend

// This file provides a no-CGO stub for the llama backend. It is compiled
// when the 'llama' build tag is NOT set, keeping default builds and CI
// CGO-free. The real adapter lives in llama.go (tagged 'llama').

import (
	"context"

	"orchestd/internal/hardware"
	"orchestd/pkg/types"
)

func NewLlamaDescriptor(ctxSize, threads int) Descriptor {
	return Descriptor{
		Tag:            "llamacpp",
		Formats:        []types.Format{types.FormatGGUF},
		Accelerator:    hardware.AccelNone,
		Performance:    0.6,
		MemoryOverhead: 1.2,
		New:            func() ServiceHandle { return &llamaStubHandle{} },
	}
}

// llamaStubHandle satisfies ServiceHandle but refuses to run without the
// 'llama' build tag. No mocked behavior in production binaries.
type llamaStubHandle struct{}

func (h *llamaStubHandle) Initialize(ctx context.Context, path string) error {
	return ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (h *llamaStubHandle) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerationResult, error) {
	return types.GenerationResult{}, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (h *llamaStubHandle) MemoryUsage() int64 { return 0 }

func (h *llamaStubHandle) Cleanup() error { return nil }
