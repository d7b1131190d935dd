package progress

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"orchestd/internal/common/fsutil"
	"orchestd/pkg/types"
)

// historyDepth bounds how many recent durations are kept per stage.
const historyDepth = 32

// History keeps recent per-stage durations so first progress reports for a
// fresh load can estimate time remaining before any bytes have moved.
type History struct {
	mu   sync.Mutex
	path string
	data map[types.Stage][]int64 // milliseconds, newest last
}

func NewHistory(path string) *History {
	h := &History{path: path, data: make(map[types.Stage][]int64)}
	h.load()
	return h
}

func (h *History) load() {
	if h.path == "" {
		return
	}
	f, err := os.Open(h.path)
	if err != nil {
		return
	}
	defer f.Close()
	var data map[types.Stage][]int64
	if err := json.NewDecoder(f).Decode(&data); err == nil && data != nil {
		h.data = data
	}
}

func (h *History) save() {
	if h.path == "" {
		return
	}
	b, err := json.MarshalIndent(h.data, "", "  ")
	if err != nil {
		return
	}
	_ = fsutil.WriteFileAtomic(h.path, b, 0o644)
}

// Record appends an observed duration for the stage and persists the window.
func (h *History) Record(stage types.Stage, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := append(h.data[stage], d.Milliseconds())
	if len(window) > historyDepth {
		window = window[len(window)-historyDepth:]
	}
	h.data[stage] = window
	h.save()
}

// Average returns the mean recorded duration for the stage, or zero when no
// observation exists yet.
func (h *History) Average(stage types.Stage) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	window := h.data[stage]
	if len(window) == 0 {
		return 0
	}
	var sum int64
	for _, ms := range window {
		sum += ms
	}
	return time.Duration(sum/int64(len(window))) * time.Millisecond
}
