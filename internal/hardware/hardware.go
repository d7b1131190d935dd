// Package hardware reports device memory and accelerator facts used by
// adapter scoring, memory budgeting and download storage checks.
package hardware

import (
	"context"
	"os/exec"
	"runtime"
)

// Accelerator identifies the dominant accelerator class on this device.
type Accelerator string

const (
	AccelNone  Accelerator = "none"
	AccelCUDA  Accelerator = "cuda"
	AccelROCm  Accelerator = "rocm"
	AccelMetal Accelerator = "metal"
)

// Snapshot is a point-in-time view of device capabilities.
type Snapshot struct {
	OS                   string      `json:"os"`
	Arch                 string      `json:"arch"`
	CPUCores             int         `json:"cpu_cores"`
	TotalMemoryBytes     int64       `json:"total_memory_bytes"`
	AvailableMemoryBytes int64       `json:"available_memory_bytes"`
	Accelerator          Accelerator `json:"accelerator"`
}

// Provider produces hardware snapshots and storage-space facts.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	// FreeDisk reports free bytes on the filesystem containing path.
	FreeDisk(path string) (int64, error)
}

// SystemProvider probes the running host. It shells out to platform tools
// (sysctl, nvidia-smi) where the kernel exposes no file interface, the same
// way local-AI tooling typically does.
type SystemProvider struct{}

func NewSystemProvider() *SystemProvider { return &SystemProvider{} }

func (p *SystemProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		Accelerator: detectAccelerator(),
	}
	total, avail, err := readMemory(ctx)
	if err != nil {
		return s, err
	}
	s.TotalMemoryBytes = total
	s.AvailableMemoryBytes = avail
	return s, nil
}

func detectAccelerator() Accelerator {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return AccelMetal
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return AccelCUDA
	}
	if _, err := exec.LookPath("rocm-smi"); err == nil {
		return AccelROCm
	}
	return AccelNone
}

// StaticProvider returns fixed facts; used as a test double and for
// configurations that pin the budget explicitly.
type StaticProvider struct {
	Snap Snapshot
	Free int64
}

func (p *StaticProvider) Snapshot(ctx context.Context) (Snapshot, error) { return p.Snap, nil }
func (p *StaticProvider) FreeDisk(path string) (int64, error)            { return p.Free, nil }
