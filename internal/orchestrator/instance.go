package orchestrator

import (
	"sync/atomic"
	"time"

	"orchestd/internal/backend"
	"orchestd/pkg/types"
)

// instance is one loaded model: its service handle plus admission channels.
// genCh (capacity 1) serializes generations per model; queueCh bounds how
// many callers may wait for the slot.
type instance struct {
	model    types.ModelInfo
	backend  string
	handle   backend.ServiceHandle
	memBytes int64

	genCh   chan struct{}
	queueCh chan struct{}

	draining atomic.Bool
	lastUsed atomic.Int64 // unix nanos
}

func newInstance(model types.ModelInfo, tag string, handle backend.ServiceHandle, memBytes int64, queueDepth int) *instance {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	inst := &instance{
		model:    model,
		backend:  tag,
		handle:   handle,
		memBytes: memBytes,
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, queueDepth),
	}
	inst.touch()
	return inst
}

func (i *instance) touch() { i.lastUsed.Store(time.Now().UnixNano()) }

func (i *instance) lastUsedTime() time.Time { return time.Unix(0, i.lastUsed.Load()) }

// busy reports whether a generation is in flight or queued. The memory
// manager consults this to skip the instance during eviction.
func (i *instance) busy() bool {
	return len(i.genCh) > 0 || len(i.queueCh) > 0
}

func (i *instance) status(state string) types.InstanceStatus {
	return types.InstanceStatus{
		ModelID:       i.model.ID,
		Backend:       i.backend,
		State:         state,
		LastUsed:      i.lastUsedTime().Unix(),
		MemoryBytes:   i.memBytes,
		QueueLen:      len(i.queueCh),
		Inflight:      len(i.genCh),
		MaxQueueDepth: cap(i.queueCh),
	}
}
