// Package platform samples container-aware CPU usage for observability and
// derives the compression pipeline's default worker count from the runtime's
// (automaxprocs-adjusted) GOMAXPROCS, mirroring the teacher's
// cgroup.go/platform/cgroup_cpu.go role of keeping sizing decisions aware of
// the actual CPU allocation rather than the host's full core count.
package platform

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultMaxInFlight returns MAX_IN_FLIGHT = cpu_count + 1 (spec §4.2),
// using GOMAXPROCS rather than runtime.NumCPU so that automaxprocs'
// container-aware adjustment (imported for its side effect in cmd/kinect2d)
// is honoured.
func DefaultMaxInFlight() int {
	return runtime.GOMAXPROCS(0) + 1
}

// DefaultWorkerCount returns the compression pipeline's worker pool size.
// One worker per MAX_IN_FLIGHT slot keeps at most one frame in flight per
// worker, which is sufficient since frames are dropped rather than queued
// once MAX_IN_FLIGHT is reached.
func DefaultWorkerCount() int {
	return DefaultMaxInFlight()
}

// Sample is a point-in-time resource reading for metrics export only; it is
// never consulted for admission-control decisions (the spec has none to
// replicate here).
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
}

// SampleOnce takes one CPU/RSS reading scoped to this process, following the
// teacher's collectMetrics (process.NewProcess + proc.MemoryInfo().RSS),
// falling back to host-wide cpu.Percent/mem.VirtualMemory only if the
// process handle can't be obtained or queried, exactly as the teacher does.
func SampleOnce(ctx context.Context) (Sample, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return sampleHostWide(ctx)
	}

	cpuPct, cpuErr := proc.PercentWithContext(ctx, 200*time.Millisecond)
	memInfo, memErr := proc.MemoryInfoWithContext(ctx)
	if cpuErr != nil || memErr != nil {
		return sampleHostWide(ctx)
	}
	return Sample{CPUPercent: cpuPct, RSSBytes: memInfo.RSS}, nil
}

func sampleHostWide(ctx context.Context) (Sample, error) {
	pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return Sample{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}
	return Sample{CPUPercent: cpuPct, RSSBytes: vm.Used}, nil
}
