// Package report implements the access-report queue that forwards observed
// file-access decisions from the sandbox core to the host, in both a
// direct (synchronous, mutex-guarded) and a batching (lock-free queue plus
// dedicated consumer) mode (spec section 4.5).
package report

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildxl/sandboxcore/pkg/cache"
	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/host"
)

// Mode selects how a ReportQueue forwards reports to the shared IO queue.
type Mode uint8

const (
	// Direct forwards each report synchronously under a mutex, unless
	// coalescing drops it.
	Direct Mode = iota
	// Batching queues reports on a lock-free channel and forwards them from
	// a single dedicated consumer goroutine, applying coalescing.
	Batching
)

// AccessReport is a single access-report entry (spec section 3, "ReportQueue
// entry"). CacheRecord is an optional, non-owning reference used only for
// coalescing; it is nil for reports that were never subject to caching
// (e.g. the synthetic Process-start report).
type AccessReport struct {
	Operation                 string
	Pid                       uint64
	RootPid                   uint64
	PipID                     uint64
	RequestedAccess           fam.RequestedAccess
	Result                    fam.Decision
	ReportLevel               fam.ReportLevel
	OSErrorCode               uint32
	USN                       uint64
	DesiredAccess             uint32
	ShareMode                 uint32
	Disposition               uint32
	Flags                     uint32
	FileOrDirectoryAttributes uint32
	PathID                    int32
	Path                      string
	EnumerationFilter         string
	CommandLineSuffix         string
	CacheRecord               *cache.CacheRecord

	CreatedAt time.Time
	EnqueuedAt time.Time
	DequeuedAt time.Time
}

// Counters are the process-wide, atomically-updated diagnostics for a
// single queue (spec section 3, "AllCounters / ReportCounters").
type Counters struct {
	enqueued             uint64
	dequeued             uint64
	coalesced            uint64
	unrecoverableFailure uint32
}

// EnqueuedCount returns the total number of reports successfully accepted.
func (c *Counters) EnqueuedCount() uint64 { return atomic.LoadUint64(&c.enqueued) }

// DequeuedCount returns the total number of reports forwarded to the shared
// IO queue.
func (c *Counters) DequeuedCount() uint64 { return atomic.LoadUint64(&c.dequeued) }

// CoalescedCount returns the total number of reports dropped because the
// cache record already covered them.
func (c *Counters) CoalescedCount() uint64 { return atomic.LoadUint64(&c.coalesced) }

// UnrecoverableFailure reports whether the queue has entered its terminal
// overflow state.
func (c *Counters) UnrecoverableFailure() bool {
	return atomic.LoadUint32(&c.unrecoverableFailure) != 0
}

// backoffSchedule is the exponential back-off the batching consumer sleeps
// through on an empty dequeue (spec section 4.5): 1, 2, 4, 8, 16, 32, 64 ms,
// clamped at the final entry.
var backoffSchedule = []time.Duration{
	1 * time.Millisecond,
	2 * time.Millisecond,
	4 * time.Millisecond,
	8 * time.Millisecond,
	16 * time.Millisecond,
	32 * time.Millisecond,
	64 * time.Millisecond,
}

type node struct {
	report AccessReport
}

// Queue is a single client's report queue (spec section 4.5). The zero
// value is not ready to use; construct with NewDirect or NewBatching.
type Queue struct {
	mode Mode
	sink host.SharedIOQueue
	onFailure host.AsyncFailureCallback

	counters Counters
	draining uint32

	// Direct mode.
	directMu sync.Mutex

	// Batching mode.
	pending      chan *node
	freeList     sync.Pool
	consumerDone chan struct{}
}

// NewDirect creates a queue that forwards each report synchronously to sink
// under a mutex, unless coalescing drops it.
func NewDirect(sink host.SharedIOQueue, onFailure host.AsyncFailureCallback) *Queue {
	return &Queue{mode: Direct, sink: sink, onFailure: onFailure}
}

// NewBatching creates a queue with a bounded pending-report channel of the
// given capacity (derived by the caller from KextConfig.ReportQueueSizeMB,
// spec section 4.8) and starts its dedicated consumer goroutine.
func NewBatching(sink host.SharedIOQueue, capacity int, onFailure host.AsyncFailureCallback) *Queue {
	q := &Queue{
		mode:         Batching,
		sink:         sink,
		onFailure:    onFailure,
		pending:      make(chan *node, capacity),
		consumerDone: make(chan struct{}),
	}
	q.freeList.New = func() any { return &node{} }
	go q.consume()
	return q
}

// Counters exposes the queue's diagnostic counters.
func (q *Queue) Counters() *Counters { return &q.counters }

func (q *Queue) failUnrecoverable() {
	if atomic.CompareAndSwapUint32(&q.counters.unrecoverableFailure, 0, 1) {
		q.onFailure.Invoke(host.FailureNoMemory)
	}
}

// Enqueue accepts a report for forwarding. It returns false without
// contacting the underlying shared IO queue once the queue has entered its
// unrecoverable-failure state or has begun draining for teardown (spec
// section 4.5, "Overflow": "subsequent enqueue attempts are rejected
// without attempting the underlying queue").
func (q *Queue) Enqueue(r AccessReport) bool {
	if q.counters.UnrecoverableFailure() || atomic.LoadUint32(&q.draining) != 0 {
		return false
	}
	r.EnqueuedAt = time.Now()

	switch q.mode {
	case Direct:
		return q.enqueueDirect(r)
	default:
		return q.enqueueBatching(r)
	}
}

// enqueueDirect forwards r synchronously under the queue's mutex, which
// also serializes the cache-driven coalescing check so that two producers
// racing on the same path never both forward (spec section 4.6, "Ordering
// guarantees" (b)).
func (q *Queue) enqueueDirect(r AccessReport) bool {
	q.directMu.Lock()
	defer q.directMu.Unlock()

	if coalesce(&r) {
		atomic.AddUint64(&q.counters.coalesced, 1)
		return true
	}

	r.DequeuedAt = time.Now()
	if !q.sink.Enqueue(r) {
		q.failUnrecoverable()
		return false
	}
	atomic.AddUint64(&q.counters.enqueued, 1)
	atomic.AddUint64(&q.counters.dequeued, 1)
	return true
}

// enqueueBatching stages r on the lock-free pending channel for the
// consumer to forward. The cache-driven coalescing decision is deferred to
// the single consumer goroutine, which is the only place it can be made
// without additional synchronization on the hot observation path.
func (q *Queue) enqueueBatching(r AccessReport) bool {
	n := q.freeList.Get().(*node)
	n.report = r
	select {
	case q.pending <- n:
		atomic.AddUint64(&q.counters.enqueued, 1)
		return true
	default:
		q.freeList.Put(n)
		q.failUnrecoverable()
		return false
	}
}

// coalesce reports whether r should be dropped because its cache record
// already covers its requested access, updating the record when it does
// not (spec section 4.5, "coalescing"). A report with no cache record is
// never coalesced.
func coalesce(r *AccessReport) bool {
	if r.CacheRecord == nil {
		return false
	}
	return r.CacheRecord.CheckAndUpdate(r.RequestedAccess)
}

// consume is the batching mode's single dedicated consumer loop (spec
// section 4.5, "A single dedicated consumer thread per client dequeues
// nodes").
func (q *Queue) consume() {
	defer close(q.consumerDone)

	backoffIdx := 0
	for {
		select {
		case n := <-q.pending:
			backoffIdx = 0
			q.forward(n)
		default:
			if atomic.LoadUint32(&q.draining) != 0 && len(q.pending) == 0 {
				return
			}
			time.Sleep(backoffSchedule[backoffIdx])
			if backoffIdx < len(backoffSchedule)-1 {
				backoffIdx++
			}
		}
	}
}

func (q *Queue) forward(n *node) {
	defer q.freeList.Put(n)

	if coalesce(&n.report) {
		atomic.AddUint64(&q.counters.coalesced, 1)
		return
	}

	n.report.DequeuedAt = time.Now()
	if !q.sink.Enqueue(n.report) {
		q.failUnrecoverable()
		return
	}
	atomic.AddUint64(&q.counters.dequeued, 1)
}

// Teardown sets the draining flag, joins the consumer goroutine (batching
// mode only), and releases any remaining pending nodes back to the free
// list (spec section 4.5, "Teardown").
func (q *Queue) Teardown() {
	atomic.StoreUint32(&q.draining, 1)
	if q.mode != Batching {
		return
	}
	<-q.consumerDone
	for {
		select {
		case n := <-q.pending:
			q.freeList.Put(n)
		default:
			return
		}
	}
}
