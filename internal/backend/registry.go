package backend

import (
	"fmt"
	"sync"

	"orchestd/internal/hardware"
	"orchestd/pkg/types"
)

// Scoring weights: accelerator affinity, memory efficiency, and the
// descriptor's own performance estimate.
const (
	weightAffinity    = 0.4
	weightMemory      = 0.3
	weightPerformance = 0.3
)

// Registry holds registered descriptors. Append-only and read-mostly: the
// lock exists only because registration order is not enforced at startup.
type Registry struct {
	mu    sync.RWMutex
	byTag map[string]Descriptor
	order []string // registration order, for deterministic tie-breaks
}

func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]Descriptor)}
}

// Register adds a descriptor. Duplicate tags are rejected.
func (r *Registry) Register(d Descriptor) error {
	if d.Tag == "" {
		return fmt.Errorf("backend descriptor has empty tag")
	}
	if d.New == nil {
		return fmt.Errorf("backend %s has no factory", d.Tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTag[d.Tag]; ok {
		return fmt.Errorf("backend %s already registered", d.Tag)
	}
	r.byTag[d.Tag] = d
	r.order = append(r.order, d.Tag)
	return nil
}

// Find returns the descriptor for tag.
func (r *Registry) Find(tag string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTag[tag]
	return d, ok
}

// Tags returns backend tags in registration order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SelectBest scores compatible descriptors and returns the maximum.
// Deterministic: ties break by registration order, first registered wins.
// exclude lists backend tags to skip (used by recovery after an init
// failure).
func (r *Registry) SelectBest(model types.ModelInfo, hw hardware.Snapshot, exclude ...string) (Descriptor, error) {
	skip := make(map[string]bool, len(exclude))
	for _, tag := range exclude {
		skip[tag] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Descriptor
	bestScore := -1.0
	for _, tag := range r.order {
		d := r.byTag[tag]
		if skip[tag] || !compatible(d, model, hw) {
			continue
		}
		// Strictly greater keeps the first registered on ties.
		if s := score(d, model, hw); s > bestScore {
			best, bestScore = d, s
		}
	}
	if bestScore < 0 {
		return Descriptor{}, noCompatibleBackendError{modelID: model.ID, format: model.Format}
	}
	return best, nil
}

func compatible(d Descriptor, model types.ModelInfo, hw hardware.Snapshot) bool {
	if !d.Supports(model.Format) {
		return false
	}
	if d.Accelerator != hardware.AccelNone && d.Accelerator != hw.Accelerator {
		return false
	}
	if len(model.Backends) > 0 && !contains(model.Backends, d.Tag) {
		return false
	}
	if d.CanHandle != nil && !d.CanHandle(model) {
		return false
	}
	return true
}

// score is pure: identical inputs always produce the identical value.
func score(d Descriptor, model types.ModelInfo, hw hardware.Snapshot) float64 {
	affinity := 0.5
	if d.Accelerator != hardware.AccelNone && d.Accelerator == hw.Accelerator {
		// Dedicated accelerator bonus.
		affinity = 1.0
	}

	memEff := 0.0
	if hw.AvailableMemoryBytes > 0 {
		frac := float64(d.EstimateMemory(model)) / float64(hw.AvailableMemoryBytes)
		if frac < 1 {
			memEff = 1 - frac
		}
	}

	return weightAffinity*affinity + weightMemory*memEff + weightPerformance*d.Performance
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
