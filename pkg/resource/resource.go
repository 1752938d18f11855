// Package resource implements the sandbox's CPU/RAM throttling gate (spec
// section 4.7): the host pushes periodic usage snapshots and a tree-size
// count, and WaitForCpu parks callers on a condition variable whenever the
// current snapshot is over threshold.
package resource

import (
	"sync"
	"sync/atomic"
)

// Thresholds are the host-configured throttling limits (spec section 4.7,
// "Configuration thresholds").
type Thresholds struct {
	// CpuUsageBlockPercent, in (0, 100), is the CPU usage percentage at or
	// above which new fork/exec is blocked. A value outside (0, 100)
	// disables CPU-based throttling.
	CpuUsageBlockPercent int
	// CpuUsageWakeupPercent, in (0, 100), is the percentage that must be
	// dropped below to wake a CPU-blocked waiter; it defaults to
	// CpuUsageBlockPercent when zero.
	CpuUsageWakeupPercent int
	// MinAvailableRamMB is the available-RAM floor below which fork/exec is
	// blocked. Zero disables RAM-based throttling.
	MinAvailableRamMB int
}

func (t Thresholds) cpuThrottleEnabled() bool {
	return t.CpuUsageBlockPercent > 0 && t.CpuUsageBlockPercent < 100
}

func (t Thresholds) enabled() bool {
	return t.MinAvailableRamMB > 0 || t.cpuThrottleEnabled()
}

func (t Thresholds) wakeupPercent() int {
	if t.CpuUsageWakeupPercent > 0 {
		return t.CpuUsageWakeupPercent
	}
	return t.CpuUsageBlockPercent
}

// Manager tracks CPU/RAM/tree-size snapshots for a single client and gates
// WaitForCpu against them (spec section 4.7). The zero value is not ready
// to use; construct with NewManager.
type Manager struct {
	cond *sync.Cond

	thresholds     Thresholds
	cpuBasisPoints int
	availableRamMB int
	treeSize       int

	numBlockedProcesses int32
}

// NewManager creates a manager with the given initial thresholds.
func NewManager(thresholds Thresholds) *Manager {
	return &Manager{cond: sync.NewCond(&sync.Mutex{}), thresholds: thresholds}
}

// SetThresholds installs new throttling thresholds, waking every waiter so
// each re-checks the throttling predicate under the new configuration.
func (m *Manager) SetThresholds(thresholds Thresholds) {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	m.thresholds = thresholds
	m.cond.Broadcast()
}

// UpdateCpuUsage records the host's latest CPU usage snapshot, in basis
// points (hundredths of a percent; 10000 = 100%). A strict drop below the
// wakeup threshold signals one waiter (spec section 4.7).
func (m *Manager) UpdateCpuUsage(basisPoints int) {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	previous := m.cpuBasisPoints
	m.cpuBasisPoints = basisPoints
	if basisPoints < previous && basisPoints/100 < m.thresholds.wakeupPercent() {
		m.cond.Signal()
	}
}

// UpdateAvailableRam records the host's latest available-RAM snapshot in
// megabytes. A strict increase signals one waiter (spec section 4.7).
func (m *Manager) UpdateAvailableRam(megabytes int) {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	previous := m.availableRamMB
	m.availableRamMB = megabytes
	if megabytes > previous {
		m.cond.Signal()
	}
}

// ObserveTreeSize is installed as the tracker's insert/remove observer
// (spec section 4.6, "An insertion-count observer is installed by the
// sandbox registry to inform the resource manager of the current number of
// tracked processes"). A decrease of exactly one signals one waiter; a
// larger decrease or an increase broadcasts, since either may have changed
// the throttling predicate for multiple waiters at once (spec section 4.7).
func (m *Manager) ObserveTreeSize(count int) {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	previous := m.treeSize
	m.treeSize = count
	switch delta := previous - count; {
	case delta == 1:
		m.cond.Signal()
	case delta != 0:
		m.cond.Broadcast()
	}
}

// shouldBlock reports whether fork/exec should currently be throttled.
// Caller must hold m.cond.L.
func (m *Manager) shouldBlock() bool {
	if !m.thresholds.enabled() {
		return false
	}
	cpuOver := m.thresholds.cpuThrottleEnabled() && m.cpuBasisPoints/100 >= m.thresholds.CpuUsageBlockPercent
	ramUnder := m.thresholds.MinAvailableRamMB > 0 && m.availableRamMB < m.thresholds.MinAvailableRamMB
	return cpuOver || ramUnder
}

// WaitForCpu is called by the host interceptor before permitting fork/exec
// under a tracked process (spec section 4.7). It returns immediately if
// throttling is disabled or the current snapshot is below threshold;
// otherwise it parks on the condition variable, re-checking the predicate
// on every wake (standard predicate-loop discipline).
func (m *Manager) WaitForCpu() {
	m.cond.L.Lock()
	defer m.cond.L.Unlock()
	for m.shouldBlock() {
		atomic.AddInt32(&m.numBlockedProcesses, 1)
		m.cond.Wait()
		atomic.AddInt32(&m.numBlockedProcesses, -1)
	}
}

// NumBlockedProcesses returns the current count of processes parked in
// WaitForCpu, for introspection.
func (m *Manager) NumBlockedProcesses() int32 {
	return atomic.LoadInt32(&m.numBlockedProcesses)
}
