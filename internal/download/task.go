package download

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task tracks one in-flight download. A model has at most one live Task at
// a time; re-enqueueing while one is active returns the existing task.
type Task struct {
	ID      string
	ModelID string

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	fraction    float64
	transferred int64
	total       int64
	attempt     int
	path        string
	err         error
}

func newTask(modelID string, cancel context.CancelFunc) *Task {
	return &Task{
		ID:      uuid.NewString(),
		ModelID: modelID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Cancel requests cooperative cancellation. Cancelling a finished task has
// no effect.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task finishes, successfully or not.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task completes and returns its outcome: the local
// artifact path on success.
func (t *Task) Wait() (string, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path, t.err
}

// Fraction reports bytes-transferred progress in [0,1]. Unknown totals
// report 0 until completion.
func (t *Task) Fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fraction
}

// Attempt reports the current retry attempt, starting at 1.
func (t *Task) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

func (t *Task) setProgress(transferred, total int64) {
	t.mu.Lock()
	t.transferred = transferred
	t.total = total
	if total > 0 {
		t.fraction = float64(transferred) / float64(total)
	}
	t.mu.Unlock()
}

func (t *Task) setAttempt(n int) {
	t.mu.Lock()
	t.attempt = n
	t.mu.Unlock()
}

func (t *Task) finish(path string, err error) {
	t.mu.Lock()
	t.path = path
	t.err = err
	if err == nil {
		t.fraction = 1
	}
	t.mu.Unlock()
	close(t.done)
}
