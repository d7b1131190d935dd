// Package orchestrator composes the lifecycle machine, backend registry,
// download queue, validator, memory manager, progress tracker and recovery
// coordinator into the daemon's public operations: discover, load, generate,
// unload. All collaborators are injected; the orchestrator owns no global
// state.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/hardware"
	"orchestd/internal/lifecycle"
	"orchestd/internal/memory"
	"orchestd/internal/progress"
	"orchestd/internal/recovery"
	"orchestd/internal/tokenizer"
	"orchestd/internal/validate"
	"orchestd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultQueueDepth   = 8
	defaultMaxWait      = 5 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

// Config carries orchestrator tunables; component wiring goes in Deps.
type Config struct {
	// ModelsDir is scanned for local artifacts and receives downloads.
	ModelsDir string
	// CatalogPath optionally names a catalog file with remote models.
	CatalogPath string
	// DefaultModel is used when requests omit a model id.
	DefaultModel string
	// MaxQueueDepth bounds waiters per model; excess requests are rejected.
	MaxQueueDepth int
	// MaxWait bounds how long an admitted request waits for the generation
	// slot before being rejected as too busy.
	MaxWait time.Duration
	// DrainTimeout bounds how long unload waits for in-flight work.
	DrainTimeout time.Duration
	Logger       zerolog.Logger
}

// Deps are the injected collaborators. All are required except Tokenizers.
type Deps struct {
	Machine    *lifecycle.Machine
	Backends   *backend.Registry
	Downloads  *download.Manager
	Validator  *validate.Validator
	Memory     *memory.Manager
	Progress   *progress.Tracker
	Recovery   *recovery.Coordinator
	Hardware   hardware.Provider
	Tokenizers *tokenizer.Registry
}

type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	machine    *lifecycle.Machine
	backends   *backend.Registry
	downloads  *download.Manager
	validator  *validate.Validator
	mem        *memory.Manager
	progress   *progress.Tracker
	recovery   *recovery.Coordinator
	hw         hardware.Provider
	tokenizers *tokenizer.Registry

	mu        sync.RWMutex
	catalog   map[string]types.ModelInfo
	order     []string // catalog insertion order, for stable listings
	instances map[string]*instance
	loading   map[string]*pendingLoad // joinable in-flight loads
}

// pendingLoad lets concurrent LoadModel calls for the same id join one
// pipeline run instead of racing it.
type pendingLoad struct {
	done chan struct{}
	err  error
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Machine == nil:
		return nil, fmt.Errorf("orchestrator: lifecycle machine is required")
	case deps.Backends == nil:
		return nil, fmt.Errorf("orchestrator: backend registry is required")
	case deps.Downloads == nil:
		return nil, fmt.Errorf("orchestrator: download manager is required")
	case deps.Validator == nil:
		return nil, fmt.Errorf("orchestrator: validator is required")
	case deps.Memory == nil:
		return nil, fmt.Errorf("orchestrator: memory manager is required")
	case deps.Progress == nil:
		return nil, fmt.Errorf("orchestrator: progress tracker is required")
	case deps.Recovery == nil:
		return nil, fmt.Errorf("orchestrator: recovery coordinator is required")
	case deps.Hardware == nil:
		return nil, fmt.Errorf("orchestrator: hardware provider is required")
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	o := &Orchestrator{
		cfg:        cfg,
		log:        cfg.Logger,
		machine:    deps.Machine,
		backends:   deps.Backends,
		downloads:  deps.Downloads,
		validator:  deps.Validator,
		mem:        deps.Memory,
		progress:   deps.Progress,
		recovery:   deps.Recovery,
		hw:         deps.Hardware,
		tokenizers: deps.Tokenizers,
		catalog:    make(map[string]types.ModelInfo),
		instances:  make(map[string]*instance),
		loading:    make(map[string]*pendingLoad),
	}
	// Eviction walks a model to uninitialized; drop our instance record when
	// that happens so listings and generate lookups stay truthful.
	o.machine.Subscribe(func(e lifecycle.Event) {
		if e.To == lifecycle.StateUninitialized && e.From == lifecycle.StateCleanup {
			o.dropInstance(e.ModelID)
		}
	})
	return o, nil
}

// dropInstance removes instance bookkeeping after cleanup. The backend handle
// was already released by whoever drove the cleanup transition.
func (o *Orchestrator) dropInstance(modelID string) {
	o.mu.Lock()
	_, ok := o.instances[modelID]
	delete(o.instances, modelID)
	o.mu.Unlock()
	if ok {
		o.mem.Unregister(modelID)
		o.progress.Forget(modelID)
	}
}

// Models lists known models in discovery order.
func (o *Orchestrator) Models() []types.ModelInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]types.ModelInfo, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.catalog[id])
	}
	return out
}

// Model returns the catalog entry for id.
func (o *Orchestrator) Model(id string) (types.ModelInfo, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.catalog[id]
	return m, ok
}

// Ready reports whether at least one model is loaded and ready.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	ids := make([]string, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	for _, id := range ids {
		if o.machine.State(id) == lifecycle.StateReady {
			return true
		}
	}
	return false
}

// SubscribeProgress exposes the progress tracker's subscription list. An
// empty modelID receives updates for every model.
func (o *Orchestrator) SubscribeProgress(modelID string) (<-chan types.OverallProgress, func()) {
	return o.progress.Subscribe(modelID)
}

// Progress reports aggregated progress for one model.
func (o *Orchestrator) Progress(modelID string) (types.OverallProgress, bool) {
	return o.progress.Current(modelID)
}

// NotePressure is the host memory-pressure hook: evict least-recently-used
// idle models until the footprint is back under the pressure threshold.
func (o *Orchestrator) NotePressure() {
	o.mem.NotePressure()
	if err := o.mem.HandlePressure(0); err != nil {
		o.log.Warn().Err(err).Msg("pressure handling failed")
	}
	evictionsTotal.Inc()
}

// Status snapshots daemon state for /status.
func (o *Orchestrator) Status() types.StatusResponse {
	o.mu.RLock()
	instances := make([]*instance, 0, len(o.instances))
	for _, inst := range o.instances {
		instances = append(instances, inst)
	}
	loadingCount := len(o.loading)
	o.mu.RUnlock()

	resp := types.StatusResponse{
		State:       "idle",
		BudgetBytes: o.mem.BudgetBytes(),
		UsedBytes:   o.mem.UsedBytes(),
	}
	if resp.BudgetBytes > 0 {
		resp.AvailableBytes = resp.BudgetBytes - resp.UsedBytes
		if resp.AvailableBytes < 0 {
			resp.AvailableBytes = 0
		}
	}
	for _, inst := range instances {
		resp.Instances = append(resp.Instances, inst.status(string(o.machine.State(inst.model.ID))))
	}
	for _, t := range o.downloads.Tasks() {
		resp.Downloads = append(resp.Downloads, types.DownloadStatus{
			TaskID:   t.ID,
			ModelID:  t.ModelID,
			Fraction: t.Fraction(),
			Attempt:  t.Attempt(),
		})
	}
	switch {
	case loadingCount > 0 || len(resp.Downloads) > 0:
		resp.State = "loading"
	case len(instances) > 0:
		resp.State = "ready"
	}
	return resp
}

// resolveModel maps an optionally-empty id to a catalog entry.
func (o *Orchestrator) resolveModel(id string) (types.ModelInfo, error) {
	if id == "" {
		id = o.cfg.DefaultModel
	}
	if id == "" {
		return types.ModelInfo{}, ErrModelNotFound("(unspecified)")
	}
	o.mu.RLock()
	m, ok := o.catalog[id]
	o.mu.RUnlock()
	if !ok {
		return types.ModelInfo{}, ErrModelNotFound(id)
	}
	return m, nil
}

func (o *Orchestrator) getInstance(id string) *instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instances[id]
}

// updateCatalog stores an enriched entry (local path, metadata) back.
func (o *Orchestrator) updateCatalog(m types.ModelInfo) {
	o.mu.Lock()
	if _, ok := o.catalog[m.ID]; !ok {
		o.order = append(o.order, m.ID)
	}
	o.catalog[m.ID] = m
	o.mu.Unlock()
}
