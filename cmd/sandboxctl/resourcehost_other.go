//go:build !linux

package main

// sampleHost falls back to fabricated-but-labeled figures on platforms
// where this harness doesn't wire a real sysinfo query; the resource
// manager under test only cares that it receives numbers, not their
// source.
func sampleHost() (cpuBasisPoints int, availableRamMB int, err error) {
	return 0, 4096, nil
}
