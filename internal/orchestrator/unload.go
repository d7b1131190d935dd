package orchestrator

import (
	"time"

	"orchestd/internal/lifecycle"
)

// drainPollInterval is how often the drain loop re-checks queue lengths.
const drainPollInterval = 10 * time.Millisecond

// UnloadModel gracefully removes a loaded model:
//   - stops admitting new generations,
//   - waits up to DrainTimeout for queued and in-flight work,
//   - releases backend resources and memory accounting.
func (o *Orchestrator) UnloadModel(modelID string) error {
	inst := o.getInstance(modelID)
	if inst == nil {
		return ErrModelNotFound(modelID)
	}
	if !inst.draining.CompareAndSwap(false, true) {
		// An unload is already in progress.
		return nil
	}
	o.log.Info().Str("model", modelID).Msg("unload started")

	deadline := time.Now().Add(o.cfg.DrainTimeout)
	for inst.busy() {
		if time.Now().After(deadline) {
			o.log.Warn().Str("model", modelID).
				Int("queue", len(inst.queueCh)).Int("inflight", len(inst.genCh)).
				Msg("drain timeout, forcing unload")
			break
		}
		time.Sleep(drainPollInterval)
	}

	// Unregister first so a concurrent pressure pass cannot pick this model
	// and double-release the handle.
	o.mem.Unregister(modelID)

	if err := o.machine.Transition(modelID, lifecycle.StateCleanup); err != nil {
		o.log.Warn().Err(err).Str("model", modelID).Msg("cleanup transition failed")
	}
	if err := inst.handle.Cleanup(); err != nil {
		o.log.Warn().Err(err).Str("model", modelID).Msg("backend cleanup failed")
	}
	if err := o.machine.Transition(modelID, lifecycle.StateUninitialized); err != nil {
		o.log.Warn().Err(err).Str("model", modelID).Msg("post-cleanup transition failed")
	}

	// The lifecycle observer already dropped the instance on the
	// uninitialized transition; this is the fallback when that edge was
	// blocked (e.g. drain raced a stuck generation).
	o.dropInstance(modelID)
	o.syncGauges()
	o.log.Info().Str("model", modelID).Msg("unload complete")
	return nil
}
