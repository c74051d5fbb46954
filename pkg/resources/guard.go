// Package resources samples host memory and CPU and refuses new work
// when the host is under pressure.
package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrMemoryPressure is returned by Check when the host is short on memory
var ErrMemoryPressure = errors.New("insufficient memory")

// Snapshot is a point-in-time view of host resources
type Snapshot struct {
	TotalMB     uint64  `json:"totalMb"`
	AvailableMB uint64  `json:"availableMb"`
	UsedPercent float64 `json:"usedPercent"`
	CPUPercent  float64 `json:"cpuPercent"`
}

// Limits configures the guard. Zero values disable the matching check.
type Limits struct {
	MinAvailableMB uint64  `mapstructure:"min_available_mb"`
	MaxUsedPercent float64 `mapstructure:"max_used_percent"`
}

// Guard checks host memory before an optimization starts
type Guard struct {
	limits Limits
	probe  func(ctx context.Context) (Snapshot, error)
}

// NewGuard creates a guard that samples the host with gopsutil
func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits, probe: Sample}
}

// NewGuardWithProbe creates a guard with a custom sampler
func NewGuardWithProbe(limits Limits, probe func(ctx context.Context) (Snapshot, error)) *Guard {
	return &Guard{limits: limits, probe: probe}
}

// Sample reads memory and a short CPU sample
func Sample(ctx context.Context) (Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read memory stats: %w", err)
	}
	s := Snapshot{
		TotalMB:     vm.Total / 1024 / 1024,
		AvailableMB: vm.Available / 1024 / 1024,
		UsedPercent: vm.UsedPercent,
	}
	// non-blocking: percent since the previous call
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	return s, nil
}

// Check returns ErrMemoryPressure when the limits are exceeded. Failing
// to sample is not treated as pressure.
func (g *Guard) Check(ctx context.Context) (Snapshot, error) {
	if g == nil || (g.limits.MinAvailableMB == 0 && g.limits.MaxUsedPercent == 0) {
		return Snapshot{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	s, err := g.probe(ctx)
	if err != nil {
		return s, nil
	}
	if g.limits.MinAvailableMB > 0 && s.AvailableMB < g.limits.MinAvailableMB {
		return s, fmt.Errorf("%w: %d MB available, %d MB required", ErrMemoryPressure, s.AvailableMB, g.limits.MinAvailableMB)
	}
	if g.limits.MaxUsedPercent > 0 && s.UsedPercent > g.limits.MaxUsedPercent {
		return s, fmt.Errorf("%w: %.1f%% used, limit %.1f%%", ErrMemoryPressure, s.UsedPercent, g.limits.MaxUsedPercent)
	}
	return s, nil
}
