package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"orchestd/internal/archive"
	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/hardware"
	"orchestd/internal/lifecycle"
	"orchestd/internal/memory"
	"orchestd/internal/metadata"
	"orchestd/internal/recovery"
	"orchestd/pkg/types"
)

// downloadPollInterval drives progress updates while a transfer runs.
const downloadPollInterval = 100 * time.Millisecond

// loadState carries mutable pipeline context across stages and recovery
// rounds for one load.
type loadState struct {
	model    types.ModelInfo
	forced   string // backend tag pinned by the request
	urlIndex int
	attempts map[types.Stage]int
	failed   []string // backend tags that failed this load
	exclude  []string // exclusion list for the next selection
	desc     backend.Descriptor
	required int64
	handle   backend.ServiceHandle
	snap     hardware.Snapshot
}

// LoadModel drives modelID through the full pipeline: download, extraction,
// validation, backend initialization, memory registration. Already-loaded
// models return immediately; concurrent calls for the same id join the
// in-flight load.
func (o *Orchestrator) LoadModel(ctx context.Context, modelID, backendTag string) error {
	model, err := o.resolveModel(modelID)
	if err != nil {
		return err
	}
	modelID = model.ID

	o.mu.Lock()
	if inst := o.instances[modelID]; inst != nil {
		o.mu.Unlock()
		o.mem.Touch(modelID)
		return nil
	}
	if p := o.loading[modelID]; p != nil {
		o.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingLoad{done: make(chan struct{})}
	o.loading[modelID] = p
	o.mu.Unlock()

	p.err = o.runPipeline(ctx, model, backendTag)

	o.mu.Lock()
	delete(o.loading, modelID)
	o.mu.Unlock()
	close(p.done)

	if p.err != nil {
		loadsTotal.WithLabelValues("error").Inc()
	} else {
		loadsTotal.WithLabelValues("ok").Inc()
	}
	o.syncGauges()
	return p.err
}

func (o *Orchestrator) runPipeline(ctx context.Context, model types.ModelInfo, backendTag string) error {
	st := &loadState{
		model:    model,
		forced:   backendTag,
		attempts: make(map[types.Stage]int),
	}
	id := model.ID
	start := time.Now()

	o.progress.StartStage(id, types.StageDiscovery, "resolving model")
	switch s := o.machine.State(id); s {
	case lifecycle.StateUninitialized:
		if err := o.machine.Transition(id, lifecycle.StateDiscovered); err != nil {
			return err
		}
	case lifecycle.StateDiscovered:
	default:
		// Leftover from an earlier failed or aborted load; walk back to
		// discovered before re-entering the pipeline.
		if err := o.rewind(id, fmt.Errorf("restarting load from state %s", s)); err != nil {
			return err
		}
	}

	snap, err := o.hw.Snapshot(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("hardware snapshot failed")
	}
	st.snap = snap

	// Fail before moving a single byte when no backend could ever serve
	// this model on this device.
	if err := o.checkServiceable(st); err != nil {
		o.failLoad(id, err)
		return err
	}
	o.progress.CompleteStage(id, types.StageDiscovery)

	stage := types.StageDownload
	for {
		var err error
		switch stage {
		case types.StageDownload:
			err = o.stageDownload(ctx, st)
		case types.StageExtraction:
			err = o.stageExtract(ctx, st)
		case types.StageValidation:
			err = o.stageValidate(st)
		case types.StageInitialization:
			err = o.stageInitialize(ctx, st)
		case types.StageLoading:
			err = o.stageFinalize(st)
		}

		if err == nil {
			next, done := nextStage(stage)
			if done {
				o.log.Info().Str("model", id).Str("backend", st.desc.Tag).
					Dur("took", time.Since(start)).Msg("model loaded")
				return nil
			}
			stage = next
			continue
		}

		if ctx.Err() != nil {
			o.failLoad(id, ctx.Err())
			return ctx.Err()
		}

		st.attempts[stage]++
		act := o.recovery.Decide(recovery.FailureContext{
			ModelID:        id,
			Stage:          stage,
			Err:            err,
			Attempt:        st.attempts[stage],
			URLIndex:       st.urlIndex,
			URLCount:       len(st.model.URLs),
			FailedBackends: st.failed,
		})
		recoveryActionsTotal.WithLabelValues(act.Kind.String()).Inc()

		switch act.Kind {
		case recovery.Retry:
			st.urlIndex = act.URLIndex
			if !sleepCtx(ctx, act.Delay) {
				o.failLoad(id, ctx.Err())
				return ctx.Err()
			}
		case recovery.RetryFrom:
			if e := o.validator.Invalidate(id, st.model.LocalPath); e != nil {
				o.log.Warn().Err(e).Str("model", id).Msg("invalidate failed")
			}
			st.model.LocalPath = ""
			if e := o.rewind(id, err); e != nil {
				o.failLoad(id, err)
				return err
			}
			if !sleepCtx(ctx, act.Delay) {
				o.failLoad(id, ctx.Err())
				return ctx.Err()
			}
			stage = act.RestartFrom
		case recovery.FreeMemory:
			if e := o.mem.HandlePressure(st.required); e != nil {
				// Count the failed eviction round and consult recovery
				// again on the next loop pass.
				o.log.Warn().Err(e).Str("model", id).Msg("eviction round failed")
			}
		case recovery.SwitchBackend:
			st.exclude = act.ExcludeBackends
			st.forced = ""
			stage = types.StageInitialization
		default:
			o.failLoad(id, err)
			return err
		}
	}
}

// nextStage advances the pipeline order; done is true after the final stage.
func nextStage(s types.Stage) (types.Stage, bool) {
	switch s {
	case types.StageDownload:
		return types.StageExtraction, false
	case types.StageExtraction:
		return types.StageValidation, false
	case types.StageValidation:
		return types.StageInitialization, false
	case types.StageInitialization:
		return types.StageLoading, false
	default:
		return s, true
	}
}

// checkServiceable verifies some backend is compatible before the pipeline
// spends bandwidth and disk on the artifact.
func (o *Orchestrator) checkServiceable(st *loadState) error {
	if st.forced != "" {
		d, ok := o.backends.Find(st.forced)
		if !ok || !d.Supports(st.model.Format) {
			return backend.ErrNoCompatibleBackend(st.model.ID, st.model.Format)
		}
		return nil
	}
	_, err := o.backends.SelectBest(st.model, st.snap)
	return err
}

// stageDownload ensures the artifact is on local disk. Previously validated
// artifacts and locally discovered files skip the transfer entirely.
func (o *Orchestrator) stageDownload(ctx context.Context, st *loadState) error {
	id := st.model.ID

	if path, ok := o.validator.AlreadyValid(st.model); ok {
		o.progress.StartStage(id, types.StageDownload, "artifact cached")
		st.model.LocalPath = path
		st.model.SHA256 = "" // identity already checked against the manifest
		if err := o.ensureState(id, lifecycle.StateDownloading); err != nil {
			return err
		}
		o.progress.CompleteStage(id, types.StageDownload)
		return o.machine.Transition(id, lifecycle.StateDownloaded)
	}
	if st.model.LocalPath != "" {
		if _, err := os.Stat(st.model.LocalPath); err == nil {
			o.progress.StartStage(id, types.StageDownload, "local artifact")
			if err := o.ensureState(id, lifecycle.StateDownloading); err != nil {
				return err
			}
			o.progress.CompleteStage(id, types.StageDownload)
			return o.machine.Transition(id, lifecycle.StateDownloaded)
		}
	}
	if len(st.model.URLs) == 0 {
		// Nothing local and nowhere to fetch from; structurally hopeless.
		return &download.Error{Kind: download.KindRejected, ModelID: id,
			Err: fmt.Errorf("no local artifact and no download locations")}
	}

	o.progress.StartStage(id, types.StageDownload, "downloading")
	if err := o.ensureState(id, lifecycle.StateDownloading); err != nil {
		return err
	}

	task, err := o.downloads.Enqueue(ctx, st.model, st.urlIndex)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-task.Done():
			path, err := task.Wait()
			if err != nil {
				return err
			}
			st.model.LocalPath = path
			o.progress.CompleteStage(id, types.StageDownload)
			return o.machine.Transition(id, lifecycle.StateDownloaded)
		case <-ticker.C:
			o.progress.UpdateStage(id, task.Fraction(), "downloading")
		case <-ctx.Done():
			task.Cancel()
			<-task.Done()
			return ctx.Err()
		}
	}
}

// stageExtract unpacks archives in-process, streaming entry names into the
// progress tracker. Non-archive artifacts pass through.
func (o *Orchestrator) stageExtract(ctx context.Context, st *loadState) error {
	id := st.model.ID
	if err := o.ensureState(id, lifecycle.StateExtracting); err != nil {
		return err
	}
	if !archive.IsArchive(st.model.LocalPath) {
		o.progress.StartStage(id, types.StageExtraction, "no archive")
		o.progress.CompleteStage(id, types.StageExtraction)
		return o.machine.Transition(id, lifecycle.StateExtracted)
	}

	o.progress.StartStage(id, types.StageExtraction, "extracting")
	if st.model.SHA256 != "" {
		// The catalog checksum names the archive; verify it now, before
		// extraction replaces LocalPath with a member file.
		if err := o.validator.VerifyChecksum(id, st.model.LocalPath, st.model.SHA256); err != nil {
			return err
		}
		st.model.SHA256 = ""
	}
	root, err := archive.Extract(ctx, st.model.LocalPath, func(name string) {
		o.progress.UpdateStage(id, 0, name)
	})
	if err != nil {
		return err
	}
	path, format := metadata.ResolveArtifact(root)
	st.model.LocalPath = path
	if format != types.FormatUnknown {
		st.model.Format = format
	}
	o.progress.CompleteStage(id, types.StageExtraction)
	return o.machine.Transition(id, lifecycle.StateExtracted)
}

// stageValidate runs checksum/format/dependency checks and captures the
// extracted metadata into the catalog.
func (o *Orchestrator) stageValidate(st *loadState) error {
	id := st.model.ID
	if err := o.ensureState(id, lifecycle.StateValidating); err != nil {
		return err
	}
	o.progress.StartStage(id, types.StageValidation, "validating")

	md, err := o.validator.Validate(st.model)
	if err != nil {
		return err
	}
	st.model.Metadata = md
	if st.model.Format == types.FormatUnknown {
		st.model.Format = metadata.DetectFormat(st.model.LocalPath)
	}
	o.updateCatalog(st.model)
	o.progress.CompleteStage(id, types.StageValidation)
	return o.machine.Transition(id, lifecycle.StateValidated)
}

// stageInitialize selects the backend, secures memory headroom and runs the
// backend's (potentially long) model initialization.
func (o *Orchestrator) stageInitialize(ctx context.Context, st *loadState) error {
	id := st.model.ID
	if err := o.ensureState(id, lifecycle.StateInitializing); err != nil {
		return err
	}
	o.progress.StartStage(id, types.StageInitialization, "selecting backend")

	var desc backend.Descriptor
	if st.forced != "" {
		d, ok := o.backends.Find(st.forced)
		if !ok || !d.Supports(st.model.Format) {
			return backend.ErrNoCompatibleBackend(id, st.model.Format)
		}
		desc = d
	} else {
		d, err := o.backends.SelectBest(st.model, st.snap, st.exclude...)
		if err != nil {
			return err
		}
		desc = d
	}
	st.desc = desc
	st.required = desc.EstimateMemory(st.model)

	if err := o.mem.HandlePressure(st.required); err != nil {
		st.noteFailedBackend(desc.Tag)
		return err
	}
	o.progress.CompleteStage(id, types.StageInitialization)

	o.progress.StartStage(id, types.StageLoading, "loading model")
	handle := desc.New()
	if err := handle.Initialize(ctx, st.model.LocalPath); err != nil {
		_ = handle.Cleanup()
		st.noteFailedBackend(desc.Tag)
		return backend.NewInitError(desc.Tag, id, err)
	}
	st.handle = handle
	o.progress.CompleteStage(id, types.StageLoading)
	return o.machine.Transition(id, lifecycle.StateInitialized)
}

// stageFinalize registers the instance, accounts its memory and walks the
// model to ready.
func (o *Orchestrator) stageFinalize(st *loadState) error {
	id := st.model.ID
	if err := o.machine.Transition(id, lifecycle.StateLoading); err != nil {
		return err
	}

	bytes := st.handle.MemoryUsage()
	if bytes <= 0 {
		bytes = st.required
	}
	inst := newInstance(st.model, st.desc.Tag, st.handle, bytes, o.cfg.MaxQueueDepth)

	o.mu.Lock()
	o.instances[id] = inst
	o.mu.Unlock()

	o.mem.Register(memory.Record{
		ModelID:  id,
		Backend:  st.desc.Tag,
		Handle:   st.handle,
		Bytes:    bytes,
		LastUsed: time.Now(),
		InUse:    inst.busy,
	})

	if err := o.machine.Transition(id, lifecycle.StateLoaded); err != nil {
		return err
	}
	if err := o.machine.Transition(id, lifecycle.StateReady); err != nil {
		return err
	}
	o.progress.StartStage(id, types.StageReady, "ready")
	o.progress.CompleteStage(id, types.StageReady)
	return nil
}

func (st *loadState) noteFailedBackend(tag string) {
	for _, t := range st.failed {
		if t == tag {
			return
		}
	}
	st.failed = append(st.failed, tag)
}

// ensureState transitions to target unless the model already sits there,
// which happens when recovery re-runs a stage.
func (o *Orchestrator) ensureState(id string, target lifecycle.State) error {
	if o.machine.State(id) == target {
		return nil
	}
	return o.machine.Transition(id, target)
}

// rewind walks a mid-pipeline model back to discovered so the pipeline can
// restart from an earlier stage: error -> cleanup -> uninitialized ->
// discovered.
func (o *Orchestrator) rewind(id string, cause error) error {
	if o.machine.State(id) != lifecycle.StateError {
		if err := o.machine.Fail(id, cause); err != nil {
			return err
		}
	}
	for _, s := range []lifecycle.State{lifecycle.StateCleanup, lifecycle.StateUninitialized, lifecycle.StateDiscovered} {
		if err := o.machine.Transition(id, s); err != nil {
			return err
		}
	}
	return nil
}

// failLoad records the terminal failure where the transition table allows it
// and clears progress for the model.
func (o *Orchestrator) failLoad(id string, cause error) {
	if err := o.machine.Fail(id, cause); err != nil {
		o.log.Debug().Err(err).Str("model", id).Msg("error transition not applicable")
	}
	o.progress.Forget(id)
	o.log.Error().Err(cause).Str("model", id).Msg("model load failed")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
