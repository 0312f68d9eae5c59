// Package health samples process-level resource usage, grounded on the
// teacher's system_handlers.go getSystemStats pattern. It backs the
// jobtracker janitor's stale-job diagnostics (spec.md §4.6): a stuck run
// can be told apart from a starved host by whether CPU/RAM were pegged
// when the heartbeat went stale.
package health

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time resource reading.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	ProcessRSSMB  float64
	SampledAt     time.Time
}

// Sample takes a short (100ms) CPU sample plus instantaneous memory and
// own-process RSS readings. Errors from any one gopsutil call degrade
// that field to zero rather than failing the whole sample — this is
// diagnostic information, not a correctness input.
func Sample() Snapshot {
	snap := Snapshot{SampledAt: time.Now()}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snap.ProcessRSSMB = float64(info.RSS) / 1024 / 1024
		}
	}

	return snap
}
