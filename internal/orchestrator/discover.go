package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"orchestd/internal/common/fsutil"
	"orchestd/internal/lifecycle"
	"orchestd/internal/metadata"
	"orchestd/pkg/types"
)

// metadataScanParallelism bounds concurrent header reads during discovery.
const metadataScanParallelism = 4

// DiscoverModels scans the models directory for local artifacts, merges the
// catalog file (if configured), and registers every model with the lifecycle
// machine. Safe to call repeatedly; known models keep their state.
func (o *Orchestrator) DiscoverModels(ctx context.Context) ([]types.ModelInfo, error) {
	local, err := o.scanDir(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := o.loadCatalogFile()
	if err != nil {
		return nil, err
	}

	// Catalog entries win on conflict: they carry checksums, sizes and
	// download locations a bare directory scan cannot know.
	merged := make(map[string]types.ModelInfo, len(local)+len(remote))
	var ids []string
	for _, m := range local {
		merged[m.ID] = m
		ids = append(ids, m.ID)
	}
	for _, m := range remote {
		if prev, ok := merged[m.ID]; ok {
			if m.LocalPath == "" {
				m.LocalPath = prev.LocalPath
			}
			if m.Metadata == nil {
				m.Metadata = prev.Metadata
			}
		} else {
			ids = append(ids, m.ID)
		}
		merged[m.ID] = m
	}
	sort.Strings(ids)

	out := make([]types.ModelInfo, 0, len(ids))
	for _, id := range ids {
		m := merged[id]
		o.updateCatalog(m)
		if o.machine.State(id) == lifecycle.StateUninitialized {
			if err := o.machine.Transition(id, lifecycle.StateDiscovered); err != nil {
				o.log.Warn().Err(err).Str("model", id).Msg("discovery transition failed")
			}
		}
		out = append(out, m)
	}
	o.log.Info().Int("local", len(local)).Int("catalog", len(remote)).Msg("discovery complete")
	return out, nil
}

// scanDir walks ModelsDir and builds entries for recognized artifacts.
// Metadata extraction runs concurrently with a small bound; a file whose
// header cannot be parsed is still listed, it just carries no metadata.
func (o *Orchestrator) scanDir(ctx context.Context) ([]types.ModelInfo, error) {
	dir, err := fsutil.ExpandHome(o.cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read models dir: %w", err)
	}

	var mu sync.Mutex
	var models []types.ModelInfo
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(metadataScanParallelism)

	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		format := metadata.DetectFormat(path)
		if format == types.FormatUnknown {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m := types.ModelInfo{
				ID:        name,
				Name:      name,
				Format:    format,
				LocalPath: path,
			}
			if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
				m.SizeBytes = fi.Size()
			}
			if md, err := metadata.Extract(path); err == nil {
				m.Metadata = md
			} else {
				o.log.Debug().Err(err).Str("path", path).Msg("metadata extraction failed")
			}
			mu.Lock()
			models = append(models, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// catalogFile is the on-disk shape of the optional remote catalog.
type catalogFile struct {
	Models []types.ModelInfo `yaml:"models" json:"models"`
}

func (o *Orchestrator) loadCatalogFile() ([]types.ModelInfo, error) {
	if o.cfg.CatalogPath == "" {
		return nil, nil
	}
	path, err := fsutil.ExpandHome(o.cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, m := range cf.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog %s: entry %d has no id", path, i)
		}
	}
	return cf.Models, nil
}

// Watch re-runs discovery whenever the models directory changes. Events are
// debounced so bulk copies trigger one rescan, not hundreds. Blocks until
// ctx is cancelled.
func (o *Orchestrator) Watch(ctx context.Context) error {
	dir, err := fsutil.ExpandHome(o.cfg.ModelsDir)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.log.Warn().Err(err).Msg("watcher error")
		case <-timerC:
			timer = nil
			timerC = nil
			if _, err := o.DiscoverModels(ctx); err != nil {
				o.log.Warn().Err(err).Msg("rescan failed")
			}
		}
	}
}
