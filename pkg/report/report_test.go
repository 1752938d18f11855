package report

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/cache"
	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/host"
)

// fakeSink is an in-memory host.SharedIOQueue for tests. It optionally
// rejects a fixed number of enqueues to simulate overflow.
type fakeSink struct {
	mu       sync.Mutex
	reports  []AccessReport
	rejectAfter int // reject once len(reports) reaches this; 0 means never
}

func (s *fakeSink) Enqueue(v interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAfter > 0 && len(s.reports) >= s.rejectAfter {
		return false
	}
	s.reports = append(s.reports, v.(AccessReport))
	return true
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestDirectQueueForwardsReport(t *testing.T) {
	sink := &fakeSink{}
	q := NewDirect(sink, host.AsyncFailureCallback{})

	ok := q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Read})
	require.True(t, ok)
	require.Equal(t, 1, sink.len())
	require.Equal(t, uint64(1), q.Counters().DequeuedCount())
}

func TestDirectQueueCoalescesRepeatedAccessOnSameRecord(t *testing.T) {
	sink := &fakeSink{}
	q := NewDirect(sink, host.AsyncFailureCallback{})
	record := &cache.CacheRecord{}

	ok1 := q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Read, CacheRecord: record})
	require.True(t, ok1)
	ok2 := q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Read, CacheRecord: record})
	require.True(t, ok2)

	require.Equal(t, 1, sink.len(), "second report covering an already-observed access must be coalesced, not forwarded")
	require.Equal(t, uint64(1), q.Counters().CoalescedCount())
}

func TestDirectQueueOverflowInvokesFailureCallbackOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	cb := host.AsyncFailureCallback{Func: func(status host.AsyncFailureStatus, user any) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}}

	rejecting := &fakeSink{rejectAfter: 1}
	q := NewDirect(rejecting, cb)

	ok1 := q.Enqueue(AccessReport{Path: `C:\a`})
	require.True(t, ok1)

	ok2 := q.Enqueue(AccessReport{Path: `C:\b`})
	require.False(t, ok2)

	ok3 := q.Enqueue(AccessReport{Path: `C:\c`})
	require.False(t, ok3)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "the async-failure callback must be invoked exactly once")
}

func TestBatchingQueueForwardsAndTearsDown(t *testing.T) {
	sink := &fakeSink{}
	q := NewBatching(sink, 16, host.AsyncFailureCallback{})

	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Lookup}))
	}

	require.Eventually(t, func() bool { return sink.len() == 5 }, time.Second, time.Millisecond)
	q.Teardown()
	require.Equal(t, uint64(5), q.Counters().DequeuedCount())
}

func TestBatchingQueueCoalescesAtConsumer(t *testing.T) {
	sink := &fakeSink{}
	q := NewBatching(sink, 16, host.AsyncFailureCallback{})
	record := &cache.CacheRecord{}

	require.True(t, q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Read, CacheRecord: record}))
	require.True(t, q.Enqueue(AccessReport{Path: `C:\src\a.h`, RequestedAccess: fam.Read, CacheRecord: record}))

	require.Eventually(t, func() bool {
		return q.Counters().DequeuedCount()+q.Counters().CoalescedCount() == 2
	}, time.Second, time.Millisecond)

	q.Teardown()
	require.Equal(t, uint64(1), q.Counters().DequeuedCount())
	require.Equal(t, uint64(1), q.Counters().CoalescedCount())
}

func TestBatchingQueueOverflowRejectsWithoutBlocking(t *testing.T) {
	var calls int
	cb := host.AsyncFailureCallback{Func: func(status host.AsyncFailureStatus, user any) { calls++ }}

	// Build the queue directly without starting the consumer goroutine, so
	// the pending channel's single slot fills deterministically.
	q := &Queue{
		mode:      Batching,
		sink:      &fakeSink{},
		onFailure: cb,
		pending:   make(chan *node, 1),
	}
	q.freeList.New = func() any { return &node{} }

	require.True(t, q.Enqueue(AccessReport{Path: `C:\a`}))
	require.False(t, q.Enqueue(AccessReport{Path: `C:\b`}), "enqueue onto a full pending channel must fail")
	require.False(t, q.Enqueue(AccessReport{Path: `C:\c`}), "subsequent enqueues must be rejected without contacting the sink")

	require.True(t, q.Counters().UnrecoverableFailure())
	require.Equal(t, 1, calls, "the async-failure callback must be invoked exactly once")
}
