// Package health collects host resource utilization attached to outgoing
// heartbeat payloads, via gopsutil.
package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time view of host resource usage. Values are
// percentages in [0, 100].
type Snapshot struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Collect samples current host resource usage. CPU sampling blocks for
// sampleInterval to compute a percentage over that window; callers on the
// heartbeat path should keep it short (a few hundred milliseconds) so it
// does not eat into the heartbeat interval.
func Collect(ctx context.Context, sampleInterval time.Duration) (*Snapshot, error) {
	if sampleInterval <= 0 {
		sampleInterval = 200 * time.Millisecond
	}

	cpuPercents, err := cpu.PercentWithContext(ctx, sampleInterval, false)
	if err != nil {
		return nil, err
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}, nil
}
