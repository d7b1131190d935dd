// Package metadata parses format-specific model headers into the uniform
// metadata record the rest of the pipeline consumes.
package metadata

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"orchestd/pkg/types"
)

// DetectFormat infers a model's format from its path. Directories are
// sniffed for well-known member files (MLX and CoreML models ship as
// bundles, not single files).
func DetectFormat(path string) types.Format {
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		if strings.HasSuffix(strings.ToLower(path), ".mlmodelc") {
			return types.FormatCoreML
		}
		for _, name := range []string{"weights.npz", "config.json"} {
			if _, err := os.Stat(filepath.Join(path, name)); err == nil {
				return types.FormatMLX
			}
		}
		return types.FormatUnknown
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		return types.FormatGGUF
	case ".safetensors":
		return types.FormatSafetensors
	case ".onnx":
		return types.FormatONNX
	case ".tflite":
		return types.FormatTFLite
	case ".mlmodel", ".mlpackage":
		return types.FormatCoreML
	}
	return types.FormatUnknown
}

// ResolveArtifact locates the primary model artifact under an extracted
// tree: the first recognized single-file member in walk order wins, with
// bundle directories (MLX, CoreML) as the fallback when no member file
// matches. A tree with neither resolves to the root unchanged.
func ResolveArtifact(root string) (string, types.Format) {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return root, DetectFormat(root)
	}

	var file, bundle string
	var fileFmt, bundleFmt types.Format
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if bundle == "" {
				if f := DetectFormat(p); f != types.FormatUnknown {
					bundle, bundleFmt = p, f
				}
			}
			return nil
		}
		if f := DetectFormat(p); f != types.FormatUnknown {
			file, fileFmt = p, f
			return filepath.SkipAll
		}
		return nil
	})
	if file != "" {
		return file, fileFmt
	}
	if bundle != "" {
		return bundle, bundleFmt
	}
	return root, types.FormatUnknown
}

// Extract parses the header of the artifact at path into a Metadata record.
// Formats without a parseable header return a record with only the fields
// the file name carries.
func Extract(path string) (*types.Metadata, error) {
	switch DetectFormat(path) {
	case types.FormatGGUF:
		return extractGGUF(path)
	case types.FormatSafetensors:
		return extractSafetensors(path)
	default:
		// Quantization is often encoded in the file name (e.g. Q4_K_M).
		return &types.Metadata{Quantization: quantFromName(filepath.Base(path))}, nil
	}
}

// quantFromName pulls a quantization token like Q4_K_M or fp16 out of a
// file name, if present.
func quantFromName(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '.' || r == '-' || r == '_' }) {
		lower := strings.ToLower(part)
		if lower == "fp16" || lower == "fp32" || lower == "bf16" {
			return lower
		}
	}
	// Underscore-joined quant names (Q4_K_M) survive only a dot/dash split.
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '.' || r == '-' }) {
		upper := strings.ToUpper(part)
		if len(upper) >= 2 && upper[0] == 'Q' && upper[1] >= '0' && upper[1] <= '9' {
			return upper
		}
	}
	return ""
}
