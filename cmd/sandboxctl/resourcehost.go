//go:build linux

package main

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// sampleHost reads real CPU/RAM figures from the kernel, the way a host
// embedding this registry would before calling UpdateCpuUsage and
// UpdateAvailableRam — the resource manager itself never samples the
// system, it only consumes whatever the host pushes (spec section 4.7).
func sampleHost() (cpuBasisPoints int, availableRamMB int, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	availableRamMB = int(info.Freeram * unit / (1024 * 1024))

	// Sysinfo reports the 1-minute load average as a fixed-point value
	// scaled by 1<<16. Normalizing by the number of CPUs gives a rough
	// utilization fraction, which is all a demo host needs.
	load1 := float64(info.Loads[0]) / (1 << 16)
	utilization := load1 / float64(runtime.NumCPU())
	if utilization > 1 {
		utilization = 1
	}
	cpuBasisPoints = int(utilization * 10000)

	return cpuBasisPoints, availableRamMB, nil
}
