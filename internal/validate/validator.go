// Package validate performs checksum, format and dependency checks on
// downloaded artifacts, and persists validation results in a manifest so
// restarts skip redundant work.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"orchestd/internal/metadata"
	"orchestd/pkg/types"
)

type Validator struct {
	manifest *Manifest
	log      zerolog.Logger
}

func NewValidator(manifest *Manifest, log zerolog.Logger) *Validator {
	return &Validator{manifest: manifest, log: log}
}

// Manifest exposes the backing manifest for cache checks and invalidation.
func (v *Validator) Manifest() *Manifest { return v.manifest }

// AlreadyValid reports whether model's artifact passed validation before and
// is still present with the recorded checksum identity (size check only; a
// full re-hash is what the manifest exists to avoid).
func (v *Validator) AlreadyValid(model types.ModelInfo) (string, bool) {
	e, ok := v.manifest.Get(model.ID)
	if !ok {
		return "", false
	}
	fi, err := os.Stat(e.LocalPath)
	if err != nil {
		return "", false
	}
	// Archived models record the extracted member, not the archive the
	// catalog checksum describes; their entries carry no sha to compare.
	if model.SHA256 != "" && e.SHA256 != "" && e.SHA256 != model.SHA256 {
		return "", false
	}
	if !fi.IsDir() && e.SizeBytes > 0 && fi.Size() != e.SizeBytes {
		return "", false
	}
	return e.LocalPath, true
}

// Validate checks the artifact at model.LocalPath and returns the extracted
// metadata record. On success the manifest is updated.
func (v *Validator) Validate(model types.ModelInfo) (*types.Metadata, error) {
	path := model.LocalPath
	fi, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Kind: KindCorruptedFile, ModelID: model.ID, Path: path, Err: err}
	}

	var sum string
	if !fi.IsDir() {
		if fi.Size() == 0 {
			return nil, &Error{Kind: KindCorruptedFile, ModelID: model.ID, Path: path,
				Err: fmt.Errorf("empty artifact")}
		}
		if model.SHA256 != "" {
			sum, err = fileSHA256(path)
			if err != nil {
				return nil, &Error{Kind: KindCorruptedFile, ModelID: model.ID, Path: path, Err: err}
			}
			if sum != model.SHA256 {
				return nil, &Error{Kind: KindChecksumMismatch, ModelID: model.ID, Path: path,
					Err: fmt.Errorf("sha256 %s != expected %s", sum, model.SHA256)}
			}
		}
	}

	if err := checkDependencies(model, path, fi.IsDir()); err != nil {
		return nil, err
	}

	md, err := metadata.Extract(path)
	if err != nil {
		return nil, &Error{Kind: KindCorruptedFile, ModelID: model.ID, Path: path, Err: err}
	}

	entry := ManifestEntry{LocalPath: path, SHA256: sum}
	if !fi.IsDir() {
		entry.SizeBytes = fi.Size()
	}
	if err := v.manifest.Put(model.ID, entry); err != nil {
		v.log.Warn().Err(err).Str("model", model.ID).Msg("manifest write failed")
	}
	return md, nil
}

// VerifyChecksum hashes the file at path and compares it against want.
// Callers use it to check an archive before extraction discards its
// container identity.
func (v *Validator) VerifyChecksum(modelID, path, want string) error {
	sum, err := fileSHA256(path)
	if err != nil {
		return &Error{Kind: KindCorruptedFile, ModelID: modelID, Path: path, Err: err}
	}
	if sum != want {
		return &Error{Kind: KindChecksumMismatch, ModelID: modelID, Path: path,
			Err: fmt.Errorf("sha256 %s != expected %s", sum, want)}
	}
	return nil
}

// Invalidate removes the manifest record and deletes the artifact. Used by
// recovery when validation finds corruption.
func (v *Validator) Invalidate(modelID, path string) error {
	if err := v.manifest.Remove(modelID); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// checkDependencies verifies member files a format requires alongside the
// primary artifact.
func checkDependencies(model types.ModelInfo, path string, isDir bool) error {
	if !isDir {
		return nil
	}
	var required []string
	switch metadata.DetectFormat(path) {
	case types.FormatMLX:
		required = []string{"config.json"}
	default:
		return nil
	}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			return &Error{Kind: KindMissingDependency, ModelID: model.ID, Path: path,
				Err: fmt.Errorf("missing %s", name)}
		}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
