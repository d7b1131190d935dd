package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/memory"
	"orchestd/internal/validate"
	"orchestd/pkg/types"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(Config{Logger: zerolog.Nop()})
}

func netErr(modelID string) error {
	return &download.Error{Kind: download.KindNetwork, ModelID: modelID, URL: "http://a/x", Err: errors.New("connection reset")}
}

func TestDecide_TransientDownloadRetriesWithBackoff(t *testing.T) {
	c := newTestCoordinator()

	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: netErr("m"), Attempt: 1, URLCount: 1})
	require.Equal(t, Retry, a.Kind)
	assert.Equal(t, 500*time.Millisecond, a.Delay)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: netErr("m"), Attempt: 2, URLCount: 1})
	require.Equal(t, Retry, a.Kind)
	assert.Equal(t, time.Second, a.Delay)
}

func TestDecide_TransientDownloadRotatesLocations(t *testing.T) {
	c := newTestCoordinator()

	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: netErr("m"), Attempt: 1, URLIndex: 0, URLCount: 3})
	require.Equal(t, Retry, a.Kind)
	assert.Equal(t, 1, a.URLIndex)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: netErr("m"), Attempt: 2, URLIndex: 2, URLCount: 3})
	require.Equal(t, Retry, a.Kind)
	assert.Equal(t, 0, a.URLIndex)
}

func TestDecide_AttemptsBounded(t *testing.T) {
	c := newTestCoordinator()
	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: netErr("m"), Attempt: 3, URLCount: 2})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_RejectedDownloadNeverRetried(t *testing.T) {
	c := newTestCoordinator()
	err := &download.Error{Kind: download.KindRejected, ModelID: "m", URL: "http://a/x", Err: errors.New("status 404")}
	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: err, Attempt: 1, URLCount: 3})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_InsufficientStorageNeverRetried(t *testing.T) {
	c := newTestCoordinator()
	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageDownload, Err: download.ErrInsufficientStorage(100, 10), Attempt: 1})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_ValidationRestartsFromDownload(t *testing.T) {
	c := newTestCoordinator()
	err := &validate.Error{Kind: validate.KindChecksumMismatch, ModelID: "m", Path: "/tmp/m"}
	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageValidation, Err: err, Attempt: 1})
	require.Equal(t, RetryFrom, a.Kind)
	assert.Equal(t, types.StageDownload, a.RestartFrom)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageValidation, Err: err, Attempt: 3})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_MemoryFreesThenSwitchesBackend(t *testing.T) {
	c := newTestCoordinator()
	err := memory.ErrInsufficientMemory(100, 90, 100)

	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageInitialization, Err: err, Attempt: 1})
	assert.Equal(t, FreeMemory, a.Kind)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageInitialization, Err: err, Attempt: 2, FailedBackends: []string{"llamacpp"}})
	require.Equal(t, SwitchBackend, a.Kind)
	assert.Equal(t, []string{"llamacpp"}, a.ExcludeBackends)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageInitialization, Err: err, Attempt: 3})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_InitFailureExcludesFailedTag(t *testing.T) {
	c := newTestCoordinator()
	err := backend.NewInitError("llamacpp", "m", errors.New("load failed"))

	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageInitialization, Err: err, Attempt: 1})
	require.Equal(t, SwitchBackend, a.Kind)
	assert.Equal(t, []string{"llamacpp"}, a.ExcludeBackends)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageInitialization, Err: err, Attempt: 2, FailedBackends: []string{"onnx"}})
	require.Equal(t, SwitchBackend, a.Kind)
	assert.ElementsMatch(t, []string{"onnx", "llamacpp"}, a.ExcludeBackends)
}

func TestDecide_StructuralErrorsGiveUpImmediately(t *testing.T) {
	c := newTestCoordinator()

	a := c.Decide(FailureContext{ModelID: "m", Err: backend.ErrNoCompatibleBackend("m", types.FormatONNX), Attempt: 1})
	assert.Equal(t, GiveUp, a.Kind)

	a = c.Decide(FailureContext{ModelID: "m", Err: backend.ErrDependencyUnavailable("built without llama support"), Attempt: 1})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestDecide_UnclassifiedErrorGetsBoundedRetry(t *testing.T) {
	c := newTestCoordinator()
	err := errors.New("something odd")

	a := c.Decide(FailureContext{ModelID: "m", Stage: types.StageLoading, Err: err, Attempt: 1})
	assert.Equal(t, Retry, a.Kind)

	a = c.Decide(FailureContext{ModelID: "m", Stage: types.StageLoading, Err: err, Attempt: 3})
	assert.Equal(t, GiveUp, a.Kind)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	c := NewCoordinator(Config{MaxAttempts: 10, BaseDelay: 500 * time.Millisecond, Logger: zerolog.Nop()})
	assert.Equal(t, 500*time.Millisecond, c.backoff(1))
	assert.Equal(t, time.Second, c.backoff(2))
	assert.Equal(t, 2*time.Second, c.backoff(3))
	assert.Equal(t, 30*time.Second, c.backoff(20))
}
