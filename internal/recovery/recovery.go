package recovery

import (
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/memory"
	"orchestd/internal/validate"
	"orchestd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	maxDelay           = 30 * time.Second
)

// ActionKind names what the load pipeline should do after a stage failure.
type ActionKind int

const (
	// GiveUp propagates the failure; the model lands in the error state.
	GiveUp ActionKind = iota
	// Retry re-runs the failed stage after Delay. For download failures
	// URLIndex selects the location to try next.
	Retry
	// RetryFrom restarts the pipeline at the RestartFrom stage, after the
	// local artifact has been discarded.
	RetryFrom
	// FreeMemory asks the memory manager to evict before re-running the
	// failed stage.
	FreeMemory
	// SwitchBackend re-selects a backend excluding every tag in
	// ExcludeBackends, then re-runs initialization.
	SwitchBackend
)

func (k ActionKind) String() string {
	switch k {
	case Retry:
		return "retry"
	case RetryFrom:
		return "retry_from"
	case FreeMemory:
		return "free_memory"
	case SwitchBackend:
		return "switch_backend"
	default:
		return "give_up"
	}
}

// Action is the coordinator's verdict for one failure.
type Action struct {
	Kind            ActionKind
	Delay           time.Duration
	URLIndex        int
	RestartFrom     types.Stage
	ExcludeBackends []string
}

// FailureContext describes a stage failure with enough surroundings for the
// coordinator to pick a strategy.
type FailureContext struct {
	ModelID string
	Stage   types.Stage
	Err     error
	// Attempt is the 1-based count of tries at this stage, including the
	// one that just failed.
	Attempt int
	// URLIndex is the download location that just failed; URLCount is how
	// many locations the model lists.
	URLIndex int
	URLCount int
	// FailedBackends accumulates backend tags that failed initialization
	// for this model during the current load.
	FailedBackends []string
}

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts bounds retries per stage per load.
	MaxAttempts int
	// BaseDelay is the first backoff delay; it doubles per attempt and is
	// capped at 30s.
	BaseDelay time.Duration
	Logger    zerolog.Logger
}

// Coordinator maps stage failures to recovery actions. It holds no per-model
// state; callers carry attempt counts in the FailureContext so concurrent
// loads never interfere.
type Coordinator struct {
	maxAttempts int
	baseDelay   time.Duration
	log         zerolog.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &Coordinator{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		log:         cfg.Logger,
	}
}

// Decide picks the recovery action for a failure. Structural errors (no
// compatible backend, missing runtime dependency, rejected downloads) are
// never retried; everything else is bounded by MaxAttempts per stage.
func (c *Coordinator) Decide(fc FailureContext) Action {
	action := c.decide(fc)
	c.log.Info().
		Str("model", fc.ModelID).
		Str("stage", string(fc.Stage)).
		Int("attempt", fc.Attempt).
		Str("action", action.Kind.String()).
		Err(fc.Err).
		Msg("recovery decision")
	return action
}

func (c *Coordinator) decide(fc FailureContext) Action {
	if fc.Err == nil {
		return Action{Kind: GiveUp}
	}

	// Structural failures: retrying cannot change the outcome.
	if backend.IsNoCompatibleBackend(fc.Err) || backend.IsDependencyUnavailable(fc.Err) {
		return Action{Kind: GiveUp}
	}

	if de, ok := download.AsDownloadError(fc.Err); ok && de.Kind == download.KindRejected {
		// The server refused the request outright (4xx); an identical
		// retry cannot succeed.
		return Action{Kind: GiveUp}
	}

	switch {
	case download.IsInsufficientStorage(fc.Err):
		// Disk does not free itself between attempts.
		return Action{Kind: GiveUp}

	case download.IsTransient(fc.Err):
		if fc.Attempt >= c.maxAttempts {
			return Action{Kind: GiveUp}
		}
		idx := fc.URLIndex
		if fc.URLCount > 1 {
			idx = (fc.URLIndex + 1) % fc.URLCount
		}
		return Action{Kind: Retry, Delay: c.backoff(fc.Attempt), URLIndex: idx}

	case validate.IsValidation(fc.Err):
		// The artifact on disk is bad; re-downloading is the only fix.
		if fc.Attempt >= c.maxAttempts {
			return Action{Kind: GiveUp}
		}
		return Action{Kind: RetryFrom, RestartFrom: types.StageDownload, Delay: c.backoff(fc.Attempt)}

	case memory.IsInsufficientMemory(fc.Err):
		if fc.Attempt >= c.maxAttempts {
			return Action{Kind: GiveUp}
		}
		if fc.Attempt == 1 {
			return Action{Kind: FreeMemory}
		}
		// Eviction was not enough: look for a backend with a smaller
		// footprint.
		return Action{Kind: SwitchBackend, ExcludeBackends: fc.FailedBackends}

	case backend.IsInitFailed(fc.Err):
		if fc.Attempt >= c.maxAttempts {
			return Action{Kind: GiveUp}
		}
		exclude := fc.FailedBackends
		if tag := backend.FailedTag(fc.Err); tag != "" && !contains(exclude, tag) {
			exclude = append(append([]string(nil), exclude...), tag)
		}
		return Action{Kind: SwitchBackend, ExcludeBackends: exclude}
	}

	// Unclassified errors get one cautious retry round like transients.
	if fc.Attempt >= c.maxAttempts {
		return Action{Kind: GiveUp}
	}
	return Action{Kind: Retry, Delay: c.backoff(fc.Attempt), URLIndex: fc.URLIndex}
}

// backoff doubles per attempt starting from the base delay, capped at 30s.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
