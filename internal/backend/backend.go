// Package backend holds the adapter registry: one descriptor per inference
// backend, scored against a model and a hardware snapshot to pick the best
// runtime. New backends are added by registering one more descriptor; the
// orchestrator never changes.
package backend

import (
	"context"

	"orchestd/internal/hardware"
	"orchestd/pkg/types"
)

// ServiceHandle is the per-model session a backend produces. The orchestrator
// owns the strong reference; the memory manager only observes it.
type ServiceHandle interface {
	// Initialize loads the artifact at path. Long-running; honors ctx.
	Initialize(ctx context.Context, path string) error
	// Generate runs one completion. Implementations must return promptly
	// when ctx is cancelled.
	Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerationResult, error)
	// MemoryUsage reports resident bytes for this loaded model.
	MemoryUsage() int64
	// Cleanup releases all resources. Idempotent.
	Cleanup() error
}

// Descriptor describes a backend's capabilities. Immutable once registered.
type Descriptor struct {
	// Tag is the stable backend identifier (e.g. "llamacpp").
	Tag string
	// Formats the backend can execute.
	Formats []types.Format
	// Accelerator the backend requires; AccelNone means it runs anywhere.
	Accelerator hardware.Accelerator
	// Performance is the descriptor-supplied estimate in [0,1].
	Performance float64
	// MemoryOverhead multiplies artifact size when the catalog gives no
	// explicit runtime estimate. 1.0 if unset.
	MemoryOverhead float64
	// CanHandle optionally narrows compatibility beyond format matching.
	CanHandle func(types.ModelInfo) bool
	// New produces a fresh service handle.
	New func() ServiceHandle
}

// Supports reports whether the descriptor's format set contains f.
func (d Descriptor) Supports(f types.Format) bool {
	for _, sf := range d.Formats {
		if sf == f {
			return true
		}
	}
	return false
}

// EstimateMemory returns the expected resident footprint for model.
func (d Descriptor) EstimateMemory(model types.ModelInfo) int64 {
	if model.EstMemoryBytes > 0 {
		return model.EstMemoryBytes
	}
	overhead := d.MemoryOverhead
	if overhead <= 0 {
		overhead = 1.0
	}
	return int64(float64(model.SizeBytes) * overhead)
}
