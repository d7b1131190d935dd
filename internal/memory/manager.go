// Package memory tracks loaded-model footprint and evicts least-recently
// used models under pressure. The loaded-model table is mutated only from
// the load-completion and eviction paths, both serialized through one mutex.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/backend"
	"orchestd/internal/lifecycle"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultSlackFactor       = 1.1
	defaultPressureThreshold = 0.85
)

// Record is one loaded model. The orchestrator owns the handle's strong
// reference; this table only observes it for eviction decisions.
type Record struct {
	ModelID  string
	Backend  string
	Handle   backend.ServiceHandle
	Bytes    int64
	LastUsed time.Time
	// InUse reports whether an active generation pins this model.
	// In-use models are never evicted.
	InUse func() bool
}

// Config tunes the manager.
type Config struct {
	// BudgetBytes is the accountable memory budget for all loaded models.
	BudgetBytes int64
	// SlackFactor lets the total footprint exceed the budget by this factor
	// before eviction kicks in.
	SlackFactor float64
	// PressureThreshold is the fraction of the allowed footprint targeted
	// when a pressure signal arrives without a concrete requirement.
	PressureThreshold float64
	Logger            zerolog.Logger
}

type Manager struct {
	budget    int64
	slack     float64
	threshold float64
	machine   *lifecycle.Machine
	log       zerolog.Logger

	mu      sync.Mutex
	records map[string]*Record
	used    int64
}

func NewManager(cfg Config, machine *lifecycle.Machine) *Manager {
	if cfg.SlackFactor <= 0 {
		cfg.SlackFactor = defaultSlackFactor
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = defaultPressureThreshold
	}
	return &Manager{
		budget:    cfg.BudgetBytes,
		slack:     cfg.SlackFactor,
		threshold: cfg.PressureThreshold,
		machine:   machine,
		log:       cfg.Logger,
		records:   make(map[string]*Record),
	}
}

// allowed is the hard ceiling: budget stretched by the slack factor.
func (m *Manager) allowed() int64 {
	if m.budget <= 0 {
		return 0 // unlimited
	}
	return int64(float64(m.budget) * m.slack)
}

// Register records a loaded model from the load-completion path.
func (m *Manager) Register(rec Record) {
	if rec.LastUsed.IsZero() {
		rec.LastUsed = time.Now()
	}
	m.mu.Lock()
	if prev, ok := m.records[rec.ModelID]; ok {
		m.used -= prev.Bytes
	}
	m.records[rec.ModelID] = &rec
	m.used += rec.Bytes
	m.mu.Unlock()
}

// Unregister removes a model's record, returning it for cleanup by the
// caller. Accounting never goes negative.
func (m *Manager) Unregister(modelID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[modelID]
	if !ok {
		return Record{}, false
	}
	delete(m.records, modelID)
	m.used -= rec.Bytes
	if m.used < 0 {
		m.used = 0
	}
	return *rec, true
}

// Touch refreshes a model's LRU position.
func (m *Manager) Touch(modelID string) {
	m.mu.Lock()
	if rec, ok := m.records[modelID]; ok {
		rec.LastUsed = time.Now()
	}
	m.mu.Unlock()
}

// BudgetBytes reports the configured budget (0 means unlimited).
func (m *Manager) BudgetBytes() int64 { return m.budget }

// AllowedBytes reports the eviction ceiling: budget stretched by the slack
// factor, 0 when unlimited.
func (m *Manager) AllowedBytes() int64 { return m.allowed() }

// UsedBytes reports the summed footprint of loaded models.
func (m *Manager) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Loaded snapshots records for status reporting, oldest first.
func (m *Manager) Loaded() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.Before(out[j].LastUsed) })
	return out
}

// UnderPressure reports whether the footprint crossed the pressure
// threshold.
func (m *Manager) UnderPressure() bool {
	allowed := m.allowed()
	if allowed <= 0 {
		return false
	}
	return m.UsedBytes() > int64(m.threshold*float64(allowed))
}

// NotePressure logs an externally signalled low-memory condition. The host
// environment invokes this from its platform hook; the orchestrator follows
// up with HandlePressure.
func (m *Manager) NotePressure() {
	m.log.Warn().Int64("used", m.UsedBytes()).Int64("allowed", m.allowed()).Msg("memory pressure signalled")
}

// HandlePressure evicts least-recently-used idle models until requiredBytes
// fits under the allowed footprint (or, with requiredBytes == 0, until the
// footprint drops below the pressure threshold). Models whose InUse hook
// reports true are never evicted. Returns an insufficient-memory error when
// nothing more can be evicted and the requirement still does not fit.
func (m *Manager) HandlePressure(requiredBytes int64) error {
	allowed := m.allowed()
	if allowed <= 0 {
		return nil // unlimited budget
	}
	target := allowed - requiredBytes
	if requiredBytes == 0 {
		target = int64(m.threshold * float64(allowed))
	}

	for {
		m.mu.Lock()
		if m.used <= target {
			m.mu.Unlock()
			return nil
		}
		victim := m.pickLRUIdleLocked()
		if victim == nil {
			used := m.used
			m.mu.Unlock()
			if requiredBytes == 0 {
				// Pressure poll with everything busy: nothing to do.
				return nil
			}
			return insufficientMemoryError{requiredBytes: requiredBytes, usedBytes: used, allowedBytes: allowed}
		}
		delete(m.records, victim.ModelID)
		m.used -= victim.Bytes
		if m.used < 0 {
			m.used = 0
		}
		m.mu.Unlock()

		m.evict(victim)
	}
}

// pickLRUIdleLocked returns the oldest record not pinned by a generation.
func (m *Manager) pickLRUIdleLocked() *Record {
	var lru *Record
	for _, rec := range m.records {
		if rec.InUse != nil && rec.InUse() {
			continue
		}
		if lru == nil || rec.LastUsed.Before(lru.LastUsed) {
			lru = rec
		}
	}
	return lru
}

// evict walks the victim through cleanup and releases backend resources.
// A subsequent load re-enters the pipeline from discovered.
func (m *Manager) evict(rec *Record) {
	m.log.Info().Str("model", rec.ModelID).Int64("bytes", rec.Bytes).Msg("evicting model")
	if err := m.machine.Transition(rec.ModelID, lifecycle.StateCleanup); err != nil {
		m.log.Warn().Err(err).Str("model", rec.ModelID).Msg("eviction transition failed")
	}
	if rec.Handle != nil {
		if err := rec.Handle.Cleanup(); err != nil {
			m.log.Warn().Err(err).Str("model", rec.ModelID).Msg("backend cleanup failed")
		}
	}
	if err := m.machine.Transition(rec.ModelID, lifecycle.StateUninitialized); err != nil {
		m.log.Warn().Err(err).Str("model", rec.ModelID).Msg("post-cleanup transition failed")
	}
}
