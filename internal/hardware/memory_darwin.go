//go:build darwin

package hardware

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// readMemory reports unified memory via sysctl hw.memsize. macOS has no
// cheap "available" figure without host_statistics; treat available as
// total and let the configured slack factor absorb the difference.
func readMemory(ctx context.Context) (total, available int64, err error) {
	out, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0, 0, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse hw.memsize: %w", err)
	}
	return n, n, nil
}
