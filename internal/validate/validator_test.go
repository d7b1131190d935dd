package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestd/pkg/types"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	m, err := LoadManifest(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	return NewValidator(m, zerolog.Nop())
}

func writeArtifact(t *testing.T, name string, data []byte) (path, sum string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	h := sha256.Sum256(data)
	return path, hex.EncodeToString(h[:])
}

func TestValidate_ChecksumMatchRecordsManifest(t *testing.T) {
	v := newTestValidator(t)
	path, sum := writeArtifact(t, "m1.bin", []byte("weights"))
	model := types.ModelInfo{ID: "m1", LocalPath: path, SHA256: sum}

	md, err := v.Validate(model)
	require.NoError(t, err)
	require.NotNil(t, md)

	e, ok := v.Manifest().Get("m1")
	require.True(t, ok)
	assert.Equal(t, path, e.LocalPath)
	assert.Equal(t, sum, e.SHA256)
	assert.NotZero(t, e.LastValidated)
}

func TestValidate_ChecksumMismatch(t *testing.T) {
	v := newTestValidator(t)
	path, _ := writeArtifact(t, "m1.bin", []byte("weights"))
	model := types.ModelInfo{ID: "m1", LocalPath: path, SHA256: "deadbeef"}

	_, err := v.Validate(model)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, KindChecksumMismatch, ve.Kind)

	_, recorded := v.Manifest().Get("m1")
	assert.False(t, recorded, "failed validation must not be recorded")
}

func TestValidate_MissingFileIsCorrupted(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(types.ModelInfo{ID: "m1", LocalPath: "/nope/missing.gguf"})
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, KindCorruptedFile, ve.Kind)
}

func TestValidate_EmptyFileIsCorrupted(t *testing.T) {
	v := newTestValidator(t)
	path, _ := writeArtifact(t, "m1.bin", nil)
	_, err := v.Validate(types.ModelInfo{ID: "m1", LocalPath: path})
	require.Error(t, err)
	ve, _ := AsValidationError(err)
	assert.Equal(t, KindCorruptedFile, ve.Kind)
}

func TestValidate_MLXDirMissingConfigIsMissingDependency(t *testing.T) {
	v := newTestValidator(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.npz"), []byte("w"), 0o644))

	_, err := v.Validate(types.ModelInfo{ID: "m1", LocalPath: dir})
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, KindMissingDependency, ve.Kind)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
	_, err = v.Validate(types.ModelInfo{ID: "m1", LocalPath: dir})
	require.NoError(t, err)
}

func TestAlreadyValid_ShortCircuitsAndDetectsDrift(t *testing.T) {
	v := newTestValidator(t)
	path, sum := writeArtifact(t, "m1.bin", []byte("weights"))
	model := types.ModelInfo{ID: "m1", LocalPath: path, SHA256: sum}
	_, err := v.Validate(model)
	require.NoError(t, err)

	got, ok := v.AlreadyValid(model)
	require.True(t, ok)
	assert.Equal(t, path, got)

	// Size drift invalidates the cached result.
	require.NoError(t, os.WriteFile(path, []byte("weights-changed"), 0o644))
	_, ok = v.AlreadyValid(model)
	assert.False(t, ok)
}

func TestInvalidate_RemovesEntryAndArtifact(t *testing.T) {
	v := newTestValidator(t)
	path, sum := writeArtifact(t, "m1.bin", []byte("weights"))
	model := types.ModelInfo{ID: "m1", LocalPath: path, SHA256: sum}
	_, err := v.Validate(model)
	require.NoError(t, err)

	require.NoError(t, v.Invalidate("m1", path))
	_, ok := v.Manifest().Get("m1")
	assert.False(t, ok)
	assert.NoFileExists(t, path)
}

func TestManifest_SurvivesReload(t *testing.T) {
	p := filepath.Join(t.TempDir(), "manifest.json")
	m1, err := LoadManifest(p)
	require.NoError(t, err)
	require.NoError(t, m1.Put("m1", ManifestEntry{LocalPath: "/x/m1.gguf", SHA256: "abc"}))

	m2, err := LoadManifest(p)
	require.NoError(t, err)
	e, ok := m2.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "/x/m1.gguf", e.LocalPath)
}
