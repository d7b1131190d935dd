//go:build !linux && !darwin

package hardware

import (
	"context"
	"fmt"
	"runtime"
)

func readMemory(_ context.Context) (total, available int64, err error) {
	return 0, 0, fmt.Errorf("memory probing not supported on %s", runtime.GOOS)
}
