// Package archive extracts model artifacts in-process with streaming
// decompression, so extraction is cancellable between entries and never
// shells out.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// kind identifies the container format of an artifact.
type kind int

const (
	kindNone kind = iota
	kindZip
	kindTar
	kindTarGz
	kindTarBz2
	kindTarXz
)

// maxEntrySize caps a single decompressed entry to keep a hostile archive
// from filling the disk.
const maxEntrySize = 64 << 30

// detectKind classifies by extension. Unknown extensions return kindNone;
// the caller decides whether that is "not an archive" or an error.
func detectKind(path string) kind {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return kindZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return kindTarBz2
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return kindTarXz
	case strings.HasSuffix(lower, ".tar"):
		return kindTar
	}
	return kindNone
}

// IsArchive reports whether path names a supported container.
func IsArchive(path string) bool { return detectKind(path) != kindNone }

// Extract unpacks src into a fresh directory next to it and returns the
// extracted root. The destination is built under a temp name and renamed
// into place on success, so a cancelled extraction leaves nothing behind.
// The onEntry callback, if non-nil, is invoked with each entry name as it
// completes (extraction progress is indeterminate).
func Extract(ctx context.Context, src string, onEntry func(name string)) (string, error) {
	k := detectKind(src)
	if k == kindNone {
		return "", unsupportedArchiveError{ext: filepath.Ext(src)}
	}

	dest := extractedRoot(src)
	tmp := dest + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return "", fmt.Errorf("clean partial dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("create extract dir: %w", err)
	}

	var err error
	switch k {
	case kindZip:
		err = extractZip(ctx, src, tmp, onEntry)
	default:
		err = extractTar(ctx, src, tmp, k, onEntry)
	}
	if err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("replace extract dir: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("commit extract dir: %w", err)
	}
	return dest, nil
}

// extractedRoot derives the sibling directory an archive extracts into,
// e.g. /x/model.tar.gz -> /x/model.
func extractedRoot(src string) string {
	base := src
	for {
		ext := filepath.Ext(base)
		switch strings.ToLower(ext) {
		case ".zip", ".tar", ".gz", ".tgz", ".bz2", ".tbz2", ".xz", ".txz":
			base = strings.TrimSuffix(base, ext)
			continue
		}
		return base
	}
}

// securePath joins name under root rejecting traversal outside it.
func securePath(root, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || cleaned == ".." {
		return "", fmt.Errorf("archive entry escapes root: %s", name)
	}
	return filepath.Join(root, cleaned), nil
}

func extractZip(ctx context.Context, src, dest string, onEntry func(string)) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := securePath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", f.Name, err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close()
		if err != nil {
			return fmt.Errorf("write entry %s: %w", f.Name, err)
		}
		if onEntry != nil {
			onEntry(f.Name)
		}
	}
	return nil
}

func extractTar(ctx context.Context, src, dest string, k kind, onEntry func(string)) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch k {
	case kindTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case kindTarBz2:
		r = bzip2.NewReader(f)
	case kindTarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("xz reader: %w", err)
		}
		r = xr
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir for %s: %w", hdr.Name, err)
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return fmt.Errorf("write entry %s: %w", hdr.Name, err)
			}
			if onEntry != nil {
				onEntry(hdr.Name)
			}
		default:
			// Symlinks and specials are skipped; model archives are flat data.
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, io.LimitReader(r, maxEntrySize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
