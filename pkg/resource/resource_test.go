package resource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitForCpuReturnsImmediatelyWhenDisabled(t *testing.T) {
	m := NewManager(Thresholds{})
	done := make(chan struct{})
	go func() {
		m.WaitForCpu()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCpu blocked with throttling disabled")
	}
}

func TestWaitForCpuReturnsImmediatelyWhenBelowThreshold(t *testing.T) {
	m := NewManager(Thresholds{CpuUsageBlockPercent: 90})
	m.UpdateCpuUsage(1000) // 10%

	done := make(chan struct{})
	go func() {
		m.WaitForCpu()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForCpu blocked while below threshold")
	}
}

func TestWaitForCpuBlocksUntilCpuDropsBelowWakeup(t *testing.T) {
	m := NewManager(Thresholds{CpuUsageBlockPercent: 90, CpuUsageWakeupPercent: 70})
	m.UpdateCpuUsage(9500) // 95%, over block threshold

	var wg sync.WaitGroup
	wg.Add(1)
	unblocked := make(chan struct{})
	go func() {
		defer wg.Done()
		m.WaitForCpu()
		close(unblocked)
	}()

	require.Eventually(t, func() bool { return m.NumBlockedProcesses() == 1 }, time.Second, time.Millisecond)

	select {
	case <-unblocked:
		t.Fatal("WaitForCpu returned before CPU usage dropped")
	case <-time.After(50 * time.Millisecond):
	}

	m.UpdateCpuUsage(6000) // 60%, below the 70% wakeup threshold

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitForCpu never woke after CPU usage dropped below the wakeup threshold")
	}
	wg.Wait()
	require.Equal(t, int32(0), m.NumBlockedProcesses())
}

func TestWaitForCpuIgnoresDropThatStaysAboveWakeupThreshold(t *testing.T) {
	m := NewManager(Thresholds{CpuUsageBlockPercent: 90, CpuUsageWakeupPercent: 70})
	m.UpdateCpuUsage(9900)

	unblocked := make(chan struct{})
	go func() {
		m.WaitForCpu()
		close(unblocked)
	}()
	require.Eventually(t, func() bool { return m.NumBlockedProcesses() == 1 }, time.Second, time.Millisecond)

	m.UpdateCpuUsage(8000) // still 80%, above the 70% wakeup threshold

	select {
	case <-unblocked:
		t.Fatal("WaitForCpu woke on a drop that did not cross the wakeup threshold")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForCpuBlocksUntilRamRises(t *testing.T) {
	m := NewManager(Thresholds{MinAvailableRamMB: 512})
	m.UpdateAvailableRam(100)

	unblocked := make(chan struct{})
	go func() {
		m.WaitForCpu()
		close(unblocked)
	}()
	require.Eventually(t, func() bool { return m.NumBlockedProcesses() == 1 }, time.Second, time.Millisecond)

	m.UpdateAvailableRam(600)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitForCpu never woke after available RAM rose above threshold")
	}
}

func TestObserveTreeSizeDecreaseByOneWakesSingleWaiter(t *testing.T) {
	m := NewManager(Thresholds{MinAvailableRamMB: 512})
	m.UpdateAvailableRam(100) // below threshold, throttled
	m.ObserveTreeSize(5)

	unblocked := make(chan struct{})
	go func() {
		m.WaitForCpu()
		close(unblocked)
	}()
	require.Eventually(t, func() bool { return m.NumBlockedProcesses() == 1 }, time.Second, time.Millisecond)

	m.ObserveTreeSize(4) // decrease of exactly one: signals, but predicate still holds (RAM still low)

	select {
	case <-unblocked:
		t.Fatal("WaitForCpu returned even though the throttling predicate still holds")
	case <-time.After(50 * time.Millisecond):
	}

	m.UpdateAvailableRam(600)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestSetThresholdsWakesAllWaiters(t *testing.T) {
	m := NewManager(Thresholds{CpuUsageBlockPercent: 50})
	m.UpdateCpuUsage(8000)

	const waiters = 4
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			m.WaitForCpu()
		}()
	}
	require.Eventually(t, func() bool { return m.NumBlockedProcesses() == waiters }, time.Second, time.Millisecond)

	m.SetThresholds(Thresholds{}) // disable throttling entirely

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all waiters woke after thresholds were cleared")
	}
}
