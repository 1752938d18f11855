package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/buildxl/sandboxcore/pkg/path"
)

// InsertOutcome discriminates the result of insert/getOrAdd (spec section
// 4.6, "Keyed map").
type InsertOutcome uint8

const (
	// Inserted means the pid was not previously tracked and now is.
	Inserted InsertOutcome = iota
	// AlreadyExists means the pid was already tracked; for getOrAdd the
	// existing entry is returned unchanged.
	AlreadyExists
	// InsertRace is reserved for implementations whose underlying map
	// permits a detectable lost race between concurrent writers; this
	// tracker's single-mutex map makes writes mutually exclusive, so it
	// never produces this outcome (documented rather than removed, to keep
	// the discriminator set aligned with the contract callers are written
	// against).
	InsertRace
	// InsertFailure means the request itself was invalid (e.g. pid 0).
	InsertFailure
)

// RemoveOutcome discriminates the result of remove (spec section 4.6,
// "Keyed map").
type RemoveOutcome uint8

const (
	// Removed means the pid was tracked and is now removed.
	Removed RemoveOutcome = iota
	// AlreadyEmpty means the pid was not tracked.
	AlreadyEmpty
	// RemoveRace mirrors InsertRace; unused by this implementation.
	RemoveRace
	// RemoveFailure means the request itself was invalid.
	RemoveFailure
)

// maxTrackRootRetries bounds TrackRootProcess's stale-entry retry loop
// (spec section 4.6, "retried up to three times").
const maxTrackRootRetries = 3

// Tracker is the concurrent pid-to-process map (spec section 4.6, "Keyed
// map"). The zero value is not ready to use; construct with New.
type Tracker struct {
	mu        sync.RWMutex
	processes map[uint64]*SandboxedProcess
	observer  func(count int)

	conflicts uint64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{processes: make(map[uint64]*SandboxedProcess)}
}

// SetInsertObserver installs the callback invoked after every successful
// insert or remove with the tracker's current size (spec section 4.6, "An
// insertion-count observer is installed by the sandbox registry to inform
// the resource manager of the current number of tracked processes").
func (t *Tracker) SetInsertObserver(observer func(count int)) {
	t.mu.Lock()
	t.observer = observer
	t.mu.Unlock()
}

func (t *Tracker) notify() {
	t.mu.RLock()
	observer := t.observer
	count := len(t.processes)
	t.mu.RUnlock()
	if observer != nil {
		observer(count)
	}
}

// Lookup returns the tracked process for pid, if any. This is the hot-path
// read (spec section 5, "FindTrackedProcess") and takes only a read lock.
func (t *Tracker) Lookup(pid uint64) (*SandboxedProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	proc, ok := t.processes[pid]
	return proc, ok
}

// insert adds proc at pid if absent.
func (t *Tracker) insert(pid uint64, proc *SandboxedProcess) InsertOutcome {
	if pid == 0 {
		return InsertFailure
	}
	t.mu.Lock()
	if _, exists := t.processes[pid]; exists {
		t.mu.Unlock()
		return AlreadyExists
	}
	t.processes[pid] = proc
	t.mu.Unlock()
	t.notify()
	return Inserted
}

// getOrAdd returns the existing entry at pid, or creates one via factory
// and returns it.
func (t *Tracker) getOrAdd(pid uint64, factory func() *SandboxedProcess) (*SandboxedProcess, InsertOutcome) {
	t.mu.Lock()
	if existing, ok := t.processes[pid]; ok {
		t.mu.Unlock()
		return existing, AlreadyExists
	}
	proc := factory()
	t.processes[pid] = proc
	t.mu.Unlock()
	t.notify()
	return proc, Inserted
}

// UntrackResult is the outcome of UntrackProcess.
type UntrackResult struct {
	Removed  bool
	Pip      *SandboxedPip
	TreeSize int32
}

// UntrackProcess removes pid's mapping and, if removal succeeded,
// decrements its pip's tree size (spec section 4.6, "UntrackProcess"). The
// caller is responsible for tearing the pip down once TreeSize reaches 0.
func (t *Tracker) UntrackProcess(pid uint64) UntrackResult {
	t.mu.Lock()
	proc, ok := t.processes[pid]
	if !ok {
		t.mu.Unlock()
		return UntrackResult{}
	}
	delete(t.processes, pid)
	t.mu.Unlock()
	t.notify()

	newSize := proc.Pip.decrementTreeSize()
	return UntrackResult{Removed: true, Pip: proc.Pip, TreeSize: newSize}
}

// RemoveMatching removes every tracked process for which predicate returns
// true, returning the pids removed (spec section 4.6, "removeMatching").
// Used for orphan cleanup on abnormal client exit (spec section 8, S6).
func (t *Tracker) RemoveMatching(predicate func(*SandboxedProcess) bool) []uint64 {
	t.mu.Lock()
	var removed []uint64
	var removedProcs []*SandboxedProcess
	for pid, proc := range t.processes {
		if predicate(proc) {
			delete(t.processes, pid)
			removed = append(removed, pid)
			removedProcs = append(removedProcs, proc)
		}
	}
	t.mu.Unlock()

	for _, proc := range removedProcs {
		proc.Pip.decrementTreeSize()
	}
	if len(removed) > 0 {
		t.notify()
	}
	return removed
}

// ForEach visits every tracked (pid, process) pair. The visitor must not
// mutate the tracker.
func (t *Tracker) ForEach(visitor func(pid uint64, proc *SandboxedProcess)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for pid, proc := range t.processes {
		visitor(pid, proc)
	}
}

// Reset replaces the tracker's map with a fresh, empty one, discarding all
// tracked processes and the conflict counter without touching the owning
// pips' own teardown (spec section 4.8, "reallocates empty tries for both
// trackedProcesses and connectedClients to force deallocation of now-empty
// trie nodes"; spec section 9, resolved via an explicit Reset rather than
// relying on reassignment as an implicit side effect).
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.processes = make(map[uint64]*SandboxedProcess)
	t.mu.Unlock()
	atomic.StoreUint64(&t.conflicts, 0)
	t.notify()
}

// ConflictCount returns the diagnostic counter of TrackChildProcess
// conflicts observed so far (spec section 4.6, outcome 3, "diagnostic
// counter incremented").
func (t *Tracker) ConflictCount() uint64 {
	return atomic.LoadUint64(&t.conflicts)
}

// TrackRootProcess tracks rootPid as the root process of pip, idempotently
// retrying up to maxTrackRootRetries times if a stale entry for the same
// pid is already present — forcibly untracking it before each retry (spec
// section 4.6, "TrackRootProcess(pip)").
func (t *Tracker) TrackRootProcess(pip *SandboxedPip, rootPid uint64, rootProcessPath path.Path) (*SandboxedProcess, error) {
	proc := &SandboxedProcess{Pid: rootPid, Path: rootProcessPath, Pip: pip}

	for attempt := 0; attempt <= maxTrackRootRetries; attempt++ {
		switch t.insert(rootPid, proc) {
		case Inserted:
			return proc, nil
		case InsertFailure:
			return nil, fmt.Errorf("track root process: invalid pid %d", rootPid)
		default: // AlreadyExists
			t.UntrackProcess(rootPid)
		}
	}
	return nil, fmt.Errorf("track root process %d: stale entry persisted after %d retries", rootPid, maxTrackRootRetries)
}

// TrackChildProcess tracks childPid as a child of parent's pip (spec
// section 4.6, "TrackChildProcess"). It returns true only when a new
// process entry was created; a false return with a nil error covers both
// the benign already-tracked-under-the-same-pip case and the
// already-tracked-under-a-different-pip conflict case.
func (t *Tracker) TrackChildProcess(childPid uint64, parent *SandboxedProcess) (bool, error) {
	if parent == nil {
		return false, fmt.Errorf("track child process %d: parent is not tracked", childPid)
	}

	factory := func() *SandboxedProcess {
		return &SandboxedProcess{Pid: childPid, Path: parent.Path, Pip: parent.Pip}
	}

	existing, outcome := t.getOrAdd(childPid, factory)
	switch outcome {
	case Inserted:
		parent.Pip.incrementTreeSize()
		return true, nil
	case AlreadyExists:
		if existing.Pip == parent.Pip {
			return false, nil
		}
		if existing.Pip.RootPid == childPid && existing.Pid == childPid {
			// The existing entry is the root of its own pip whose id
			// happens to equal the incoming child pid: benign, not a
			// conflict (spec section 4.6, outcome 3 exception).
			return false, nil
		}
		atomic.AddUint64(&t.conflicts, 1)
		return false, nil
	default:
		return false, fmt.Errorf("track child process %d: insertion failed", childPid)
	}
}
