//go:build linux || darwin

package hardware

import (
	"fmt"
	"syscall"
)

// FreeDisk reports free bytes on the filesystem containing path.
func (p *SystemProvider) FreeDisk(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
