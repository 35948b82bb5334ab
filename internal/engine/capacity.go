package engine

import (
	"fmt"
	"runtime"
)

// Workload types accepted by MaxConcurrency.
const (
	WorkloadCPU = "cpu"
	WorkloadIO  = "io"
)

// MaxConcurrency derives the worker cap from the CPUs usable by this
// process. runtime.NumCPU honours the CPU affinity mask on Linux. I/O bound
// workloads get twice as many slots.
func MaxConcurrency(workload string) (int, error) {
	n := runtime.NumCPU()
	switch workload {
	case "", WorkloadCPU:
		return n, nil
	case WorkloadIO:
		return 2 * n, nil
	default:
		return 0, fmt.Errorf("unknown workload type %q", workload)
	}
}
