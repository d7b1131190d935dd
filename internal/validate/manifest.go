package validate

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"orchestd/internal/common/fsutil"
)

// ManifestEntry records a validated artifact so restarts can skip
// re-download and re-validation.
type ManifestEntry struct {
	LocalPath     string `json:"local_path"`
	SHA256        string `json:"sha256,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
	LastValidated int64  `json:"last_validated_unix"`
}

// Manifest is the persisted model-id -> entry table. All mutations write
// through to disk atomically.
type Manifest struct {
	path string

	mu      sync.RWMutex
	entries map[string]ManifestEntry
}

// LoadManifest reads the manifest at path, starting empty if absent.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, entries: make(map[string]ManifestEntry)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &m.entries); err != nil {
		// A corrupt manifest only costs re-validation; start fresh.
		m.entries = make(map[string]ManifestEntry)
	}
	return m, nil
}

// Get returns the entry for modelID, if recorded.
func (m *Manifest) Get(modelID string) (ManifestEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[modelID]
	return e, ok
}

// Put records an entry and persists.
func (m *Manifest) Put(modelID string, e ManifestEntry) error {
	m.mu.Lock()
	e.LastValidated = time.Now().Unix()
	m.entries[modelID] = e
	m.mu.Unlock()
	return m.save()
}

// Remove drops an entry and persists. Unknown ids are a no-op.
func (m *Manifest) Remove(modelID string) error {
	m.mu.Lock()
	_, ok := m.entries[modelID]
	delete(m.entries, modelID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.save()
}

func (m *Manifest) save() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	b, err := json.MarshalIndent(m.entries, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(m.path, b, 0o644)
}
