package orchestrator

import (
	"context"
	"time"

	"orchestd/internal/lifecycle"
	"orchestd/pkg/types"
)

// Generate runs one completion against a loaded model, loading it first if
// necessary. Admission is per model: one generation in flight, a bounded
// queue of waiters, and a wait deadline after which the request is rejected
// as too busy.
func (o *Orchestrator) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerationResult, error) {
	model, err := o.resolveModel(req.Model)
	if err != nil {
		return types.GenerationResult{}, err
	}

	inst := o.getInstance(model.ID)
	if inst == nil {
		if err := o.LoadModel(ctx, model.ID, ""); err != nil {
			generationsTotal.WithLabelValues("load_error").Inc()
			return types.GenerationResult{}, err
		}
		if inst = o.getInstance(model.ID); inst == nil {
			return types.GenerationResult{}, ErrModelNotFound(model.ID)
		}
	}

	release, err := o.beginGeneration(ctx, inst)
	if err != nil {
		generationsTotal.WithLabelValues("rejected").Inc()
		return types.GenerationResult{}, err
	}
	defer release()

	// The in-flight slot is ours; ready -> executing marks the model busy
	// on the state machine as well.
	execTracked := o.machine.Transition(model.ID, lifecycle.StateExecuting) == nil

	result, genErr := inst.handle.Generate(ctx, req.Prompt, req.Options)

	if execTracked {
		if err := o.machine.Transition(model.ID, lifecycle.StateReady); err != nil {
			o.log.Warn().Err(err).Str("model", model.ID).Msg("post-generation transition failed")
		}
	}
	inst.touch()
	o.mem.Touch(model.ID)

	if genErr != nil {
		generationsTotal.WithLabelValues("error").Inc()
		return types.GenerationResult{}, genErr
	}

	o.fillUsage(inst.model, req.Prompt, &result)
	generationsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// fillUsage backfills token accounting with the registry tokenizer when the
// backend reported none.
func (o *Orchestrator) fillUsage(model types.ModelInfo, prompt string, result *types.GenerationResult) {
	if o.tokenizers == nil || result.Usage.TotalTokens > 0 {
		return
	}
	tok, err := o.tokenizers.For(model)
	if err != nil {
		return
	}
	promptTokens, err := tok.Count(prompt)
	if err != nil {
		return
	}
	completionTokens, err := tok.Count(result.Text)
	if err != nil {
		return
	}
	result.Usage.PromptTokens = promptTokens
	result.Usage.CompletionTokens = completionTokens
	result.Usage.TotalTokens = promptTokens + completionTokens
}

// beginGeneration reserves a queue slot and then the single in-flight slot.
// One MaxWait deadline covers both waits. Returns a release func to be
// deferred.
func (o *Orchestrator) beginGeneration(ctx context.Context, inst *instance) (func(), error) {
	noop := func() {}
	if inst.draining.Load() {
		return noop, drainingError{modelID: inst.model.ID}
	}

	deadline := time.NewTimer(o.cfg.MaxWait)
	defer deadline.Stop()

	select {
	case inst.queueCh <- struct{}{}:
	case <-ctx.Done():
		return noop, ctx.Err()
	case <-deadline.C:
		return noop, tooBusyError{modelID: inst.model.ID}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-inst.queueCh
		}
	}()
	select {
	case inst.genCh <- struct{}{}:
		acquired = true
		inst.touch()
		return func() { <-inst.genCh; <-inst.queueCh }, nil
	case <-ctx.Done():
		return noop, ctx.Err()
	case <-deadline.C:
		return noop, tooBusyError{modelID: inst.model.ID}
	}
}
