package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestd/pkg/types"
)

// pipelineStages is the canonical stage order of a model load.
var pipelineStages = []types.Stage{
	types.StageDiscovery,
	types.StageDownload,
	types.StageExtraction,
	types.StageValidation,
	types.StageInitialization,
	types.StageLoading,
	types.StageReady,
}

// DefaultWeights reflects where the wall-clock time of a load actually goes:
// downloads and backend loading dominate, bookkeeping stages are cheap.
var DefaultWeights = map[types.Stage]float64{
	types.StageDiscovery:      0.05,
	types.StageDownload:       0.25,
	types.StageExtraction:     0.10,
	types.StageValidation:     0.05,
	types.StageInitialization: 0.15,
	types.StageLoading:        0.30,
	types.StageReady:          0.10,
}

const weightSumTolerance = 1e-6

// etaMinFraction is the fraction below which extrapolating elapsed time is
// too noisy to report; historical averages are used instead.
const etaMinFraction = 0.05

type modelTrack struct {
	completed   map[types.Stage]bool
	active      types.Stage
	activeFrac  float64
	activeMsg   string
	activeStart time.Time
	hasActive   bool
	maxPct      float64
	updatedAt   time.Time
}

type subscriber struct {
	modelID string // empty subscribes to every model
	ch      chan types.OverallProgress
}

// Tracker aggregates per-stage progress into a single monotonic percentage
// per model and fans updates out to subscribers.
type Tracker struct {
	mu      sync.Mutex
	weights map[types.Stage]float64
	models  map[string]*modelTrack
	subs    map[int]*subscriber
	nextSub int
	history *History
	log     zerolog.Logger
	now     func() time.Time
}

// NewTracker validates the stage weights and wires the duration history.
// Passing nil weights selects DefaultWeights; a nil history disables ETA
// fallbacks for stages with no live measurement.
func NewTracker(weights map[types.Stage]float64, history *History, log zerolog.Logger) (*Tracker, error) {
	if weights == nil {
		weights = DefaultWeights
	}
	var sum float64
	for _, stage := range pipelineStages {
		w, ok := weights[stage]
		if !ok {
			return nil, fmt.Errorf("progress: no weight for stage %q", stage)
		}
		if w < 0 {
			return nil, fmt.Errorf("progress: negative weight for stage %q", stage)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return nil, fmt.Errorf("progress: stage weights sum to %v, want 1.0", sum)
	}
	return &Tracker{
		weights: weights,
		models:  make(map[string]*modelTrack),
		subs:    make(map[int]*subscriber),
		history: history,
		log:     log,
		now:     time.Now,
	}, nil
}

// StartStage opens a stage at fraction zero. Starting a stage implicitly
// completes every earlier stage so out-of-band skips (cached downloads,
// archive-free artifacts) still report a coherent percentage.
func (t *Tracker) StartStage(modelID string, stage types.Stage, message string) {
	t.mu.Lock()
	track := t.track(modelID)
	for _, s := range pipelineStages {
		if s == stage {
			break
		}
		track.completed[s] = true
	}
	track.active = stage
	track.activeFrac = 0
	track.activeMsg = message
	track.activeStart = t.now()
	track.hasActive = true
	track.updatedAt = t.now()
	overall := t.overallLocked(modelID, track)
	t.mu.Unlock()

	t.publish(overall)
}

// UpdateStage moves the active stage's fraction forward. Regressions are
// ignored so flaky byte counters never walk the percentage backwards.
func (t *Tracker) UpdateStage(modelID string, fraction float64, message string) {
	t.mu.Lock()
	track, ok := t.models[modelID]
	if !ok || !track.hasActive {
		t.mu.Unlock()
		return
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction > track.activeFrac {
		track.activeFrac = fraction
	}
	if message != "" {
		track.activeMsg = message
	}
	track.updatedAt = t.now()
	overall := t.overallLocked(modelID, track)
	t.mu.Unlock()

	t.publish(overall)
}

// CompleteStage closes the stage and records its duration in the history.
func (t *Tracker) CompleteStage(modelID string, stage types.Stage) {
	t.mu.Lock()
	track := t.track(modelID)
	var elapsed time.Duration
	if track.hasActive && track.active == stage {
		elapsed = t.now().Sub(track.activeStart)
		track.hasActive = false
	}
	track.completed[stage] = true
	track.updatedAt = t.now()
	overall := t.overallLocked(modelID, track)
	t.mu.Unlock()

	if elapsed > 0 && t.history != nil {
		t.history.Record(stage, elapsed)
	}
	t.publish(overall)
}

// Forget drops all tracking state for a model, typically after unload or a
// terminal failure. Subscribers receive no tombstone; the lifecycle machine
// is the source of truth for terminal states.
func (t *Tracker) Forget(modelID string) {
	t.mu.Lock()
	delete(t.models, modelID)
	t.mu.Unlock()
}

// Current reports the model's aggregated progress.
func (t *Tracker) Current(modelID string) (types.OverallProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	track, ok := t.models[modelID]
	if !ok {
		return types.OverallProgress{}, false
	}
	return t.overallLocked(modelID, track), true
}

// Snapshot lists progress for every tracked model.
func (t *Tracker) Snapshot() []types.OverallProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OverallProgress, 0, len(t.models))
	for id, track := range t.models {
		out = append(out, t.overallLocked(id, track))
	}
	return out
}

// Subscribe registers a progress listener. An empty modelID receives updates
// for every model. The returned cancel func must be called to release the
// subscription; updates that would block are dropped. The channel is never
// closed, consumers stop on their own context.
func (t *Tracker) Subscribe(modelID string) (<-chan types.OverallProgress, func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	sub := &subscriber{modelID: modelID, ch: make(chan types.OverallProgress, 16)}
	t.subs[id] = sub
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return sub.ch, cancel
}

func (t *Tracker) publish(p types.OverallProgress) {
	t.mu.Lock()
	targets := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		if s.modelID == "" || s.modelID == p.ModelID {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- p:
		default:
			t.log.Debug().Str("model", p.ModelID).Msg("progress subscriber lagging, update dropped")
		}
	}
}

func (t *Tracker) track(modelID string) *modelTrack {
	track, ok := t.models[modelID]
	if !ok {
		track = &modelTrack{completed: make(map[types.Stage]bool)}
		t.models[modelID] = track
	}
	return track
}

func (t *Tracker) overallLocked(modelID string, track *modelTrack) types.OverallProgress {
	var pct float64
	done := 0
	for stage, w := range t.weights {
		if track.completed[stage] {
			pct += w
			done++
		}
	}
	if track.hasActive && !track.completed[track.active] {
		pct += t.weights[track.active] * track.activeFrac
	}
	pct *= 100
	// Weight sums accumulate float error; a finished load reports exactly 100.
	if done == len(pipelineStages) {
		pct = 100
	}
	if pct < track.maxPct {
		pct = track.maxPct
	}
	track.maxPct = pct

	out := types.OverallProgress{
		ModelID:    modelID,
		Percentage: pct,
		UpdatedAt:  track.updatedAt,
	}
	if track.hasActive {
		out.Active = &types.StageProgress{
			Stage:    track.active,
			Fraction: track.activeFrac,
			Message:  track.activeMsg,
			ETA:      t.etaLocked(track),
		}
	}
	return out
}

// etaLocked estimates time remaining for the whole load: extrapolate the
// active stage from elapsed time (or the historical average when too early),
// then add historical averages for stages not yet started.
func (t *Tracker) etaLocked(track *modelTrack) time.Duration {
	var eta time.Duration
	elapsed := t.now().Sub(track.activeStart)
	if track.activeFrac >= etaMinFraction {
		eta = time.Duration(float64(elapsed) * (1 - track.activeFrac) / track.activeFrac)
	} else if t.history != nil {
		if avg := t.history.Average(track.active); avg > elapsed {
			eta = avg - elapsed
		}
	}
	if t.history == nil {
		return eta
	}
	past := true
	for _, s := range pipelineStages {
		if s == track.active {
			past = false
			continue
		}
		if past || track.completed[s] {
			continue
		}
		eta += t.history.Average(s)
	}
	return eta
}
