package archive

import "fmt"

// unsupportedArchiveError reports an extension outside the supported
// container set (zip, tar, tar.gz, tar.bz2, tar.xz).
type unsupportedArchiveError struct{ ext string }

func (e unsupportedArchiveError) Error() string {
	return fmt.Sprintf("unsupported archive extension: %q", e.ext)
}

// IsUnsupportedArchive reports whether err indicates an unsupported container.
func IsUnsupportedArchive(err error) bool {
	_, ok := err.(unsupportedArchiveError)
	return ok
}
