//go:build !linux && !darwin

package hardware

import (
	"fmt"
	"runtime"
)

func (p *SystemProvider) FreeDisk(path string) (int64, error) {
	return 0, fmt.Errorf("disk probing not supported on %s", runtime.GOOS)
}
