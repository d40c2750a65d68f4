package placement

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
)

// SampleResources reads the 1-minute load average and the process heap in
// use. Failure to read the load average degrades to zero rather than
// failing the heartbeat.
func SampleResources() (cpu float64, mem uint64) {
	if avg, err := load.Avg(); err == nil {
		cpu = avg.Load1
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return cpu, ms.HeapAlloc
}
