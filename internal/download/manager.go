// Package download fetches model artifacts through a bounded-concurrency
// queue with exponential-backoff retries and temp-then-rename writes.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/hardware"
	"orchestd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxParallel = 2
	defaultRetries     = 3
	defaultBaseDelay   = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
	copyChunkSize      = 1 << 20
)

// Config encapsulates tunables for Manager construction.
type Config struct {
	// Dir is where artifacts land, one file per model id.
	Dir string
	// MaxParallel caps concurrent transfers; excess enqueues wait FIFO.
	MaxParallel int
	// Retries bounds attempts per enqueue for transient failures.
	Retries int
	// BaseDelay is the first backoff delay; it doubles per attempt.
	BaseDelay time.Duration
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Hardware is consulted for storage-space checks. Optional.
	Hardware hardware.Provider
	Logger   zerolog.Logger
}

type Manager struct {
	cfg    Config
	sem    chan struct{}
	log    zerolog.Logger
	client *http.Client

	mu    sync.Mutex
	tasks map[string]*Task // keyed by model id, live tasks only
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxParallel),
		log:    cfg.Logger,
		client: client,
		tasks:  make(map[string]*Task),
	}
}

// Enqueue starts (or joins) a download for model. urlIndex selects among the
// model's declared locations; recovery rotates it on persistent failure.
func (m *Manager) Enqueue(ctx context.Context, model types.ModelInfo, urlIndex int) (*Task, error) {
	if len(model.URLs) == 0 {
		return nil, fmt.Errorf("model %s declares no download locations", model.ID)
	}
	if urlIndex < 0 || urlIndex >= len(model.URLs) {
		return nil, fmt.Errorf("model %s: url index %d out of range", model.ID, urlIndex)
	}

	m.mu.Lock()
	if t := m.tasks[model.ID]; t != nil {
		m.mu.Unlock()
		return t, nil
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := newTask(model.ID, cancel)
	m.tasks[model.ID] = t
	m.mu.Unlock()

	go m.run(taskCtx, t, model, model.URLs[urlIndex])
	return t, nil
}

// Tasks snapshots live tasks for status reporting.
func (m *Manager) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

func (m *Manager) run(ctx context.Context, t *Task, model types.ModelInfo, url string) {
	defer func() {
		m.mu.Lock()
		delete(m.tasks, model.ID)
		m.mu.Unlock()
	}()

	// FIFO admission to the transfer pool.
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		t.finish("", ctx.Err())
		return
	}

	if err := m.checkStorage(model); err != nil {
		t.finish("", err)
		return
	}

	dest := filepath.Join(m.cfg.Dir, artifactName(model, url))
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		t.setAttempt(attempt)
		err := m.fetchOnce(ctx, t, model, url, dest)
		if err == nil {
			m.log.Info().Str("model", model.ID).Str("path", dest).Int("attempt", attempt).Msg("download complete")
			t.finish(dest, nil)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			t.finish("", ctx.Err())
			return
		}
		if !IsTransient(err) {
			break
		}
		delay := backoffDelay(m.cfg.BaseDelay, attempt)
		m.log.Warn().Str("model", model.ID).Int("attempt", attempt).Dur("backoff", delay).Err(err).Msg("download retry")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.finish("", ctx.Err())
			return
		}
	}
	t.finish("", lastErr)
}

// backoffDelay doubles the base per attempt, capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (m *Manager) checkStorage(model types.ModelInfo) error {
	if m.cfg.Hardware == nil || model.SizeBytes <= 0 {
		return nil
	}
	free, err := m.cfg.Hardware.FreeDisk(m.cfg.Dir)
	if err != nil {
		// Probing failure is not a storage failure; proceed and let the
		// transfer fail on its own if the disk is actually full.
		m.log.Warn().Err(err).Msg("storage probe failed")
		return nil
	}
	if free < model.SizeBytes {
		return insufficientStorageError{need: model.SizeBytes, have: free}
	}
	return nil
}

// fetchOnce performs a single transfer attempt. Bytes stream into a temp
// file which is renamed into place only on success, so cancelled or failed
// attempts leave no partial artifact.
func (m *Manager) fetchOnce(ctx context.Context, t *Task, model types.ModelInfo, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: KindRejected, ModelID: model.ID, URL: url, Err: err}
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return &Error{Kind: classify(err), ModelID: model.ID, URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return &Error{Kind: KindNetwork, ModelID: model.ID, URL: url,
			Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return &Error{Kind: KindRejected, ModelID: model.ID, URL: url,
			Err: fmt.Errorf("server returned %s", resp.Status)}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = model.SizeBytes
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.cfg.Dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var transferred int64
	buf := make([]byte, copyChunkSize)
	for {
		// Cooperative cancellation between chunks.
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return fmt.Errorf("write artifact: %w", werr)
			}
			transferred += int64(n)
			t.setProgress(transferred, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			if rerr == io.ErrUnexpectedEOF {
				return &Error{Kind: KindPartial, ModelID: model.ID, URL: url, Err: rerr}
			}
			return &Error{Kind: classify(rerr), ModelID: model.ID, URL: url, Err: rerr}
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if total > 0 && transferred != total {
		return &Error{Kind: KindPartial, ModelID: model.ID, URL: url,
			Err: fmt.Errorf("got %d of %d bytes", transferred, total)}
	}
	return os.Rename(tmpName, dest)
}

// artifactName keeps the URL's extension so archive detection still works,
// but names the file after the model id.
func artifactName(model types.ModelInfo, url string) string {
	return model.ID + multiExt(filepath.Base(url))
}

// multiExt returns compound extensions like ".tar.gz" intact.
func multiExt(name string) string {
	ext := filepath.Ext(name)
	if ext == ".gz" || ext == ".bz2" || ext == ".xz" {
		rest := name[:len(name)-len(ext)]
		if inner := filepath.Ext(rest); inner == ".tar" {
			return inner + ext
		}
	}
	return ext
}
