// Package sandbox implements the top-level registry: the object the host
// RPC layer drives directly (spec section 2, "Sandbox registry"; section
// 4.8, 4.9). It owns the client table and the process-tree tracker,
// dispatches FAM parsing and pip tracking, and produces introspection
// snapshots.
package sandbox

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildxl/sandboxcore/pkg/cache"
	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/logging"
	"github.com/buildxl/sandboxcore/pkg/path"
	"github.com/buildxl/sandboxcore/pkg/report"
	"github.com/buildxl/sandboxcore/pkg/tracker"
)

// Introspection caps (spec section 4.9, "up to a fixed cap (e.g., 30) of
// tracked root pips each with up to a fixed cap (e.g., 20) of child pids").
const (
	MaxIntrospectedPips     = 30
	MaxIntrospectedChildren = 20
)

// Counters are the registry's process-wide diagnostic totals (spec section
// 3, "AllCounters"). They are purely diagnostic; no behavioral invariant
// depends on their value.
type Counters struct {
	pipsTracked       uint64
	pipsUntracked     uint64
	conflictingTracks uint64
	manifestFailures  uint64
	trackedProcesses  int64
}

// reset zeroes every counter atomically, one field at a time, so a
// concurrent atomic increment on any field is never torn (spec section
// 4.8, "resets counters" on the last-client-departs transition).
func (c *Counters) reset() {
	atomic.StoreUint64(&c.pipsTracked, 0)
	atomic.StoreUint64(&c.pipsUntracked, 0)
	atomic.StoreUint64(&c.conflictingTracks, 0)
	atomic.StoreUint64(&c.manifestFailures, 0)
	atomic.StoreInt64(&c.trackedProcesses, 0)
}

func (c *Counters) snapshot() CountersSnapshot {
	return CountersSnapshot{
		PipsTracked:       atomic.LoadUint64(&c.pipsTracked),
		PipsUntracked:     atomic.LoadUint64(&c.pipsUntracked),
		ConflictingTracks: atomic.LoadUint64(&c.conflictingTracks),
		ManifestFailures:  atomic.LoadUint64(&c.manifestFailures),
		TrackedProcesses:  atomic.LoadInt64(&c.trackedProcesses),
	}
}

// CountersSnapshot is a point-in-time copy of Counters for Introspect.
type CountersSnapshot struct {
	PipsTracked       uint64
	PipsUntracked     uint64
	ConflictingTracks uint64
	ManifestFailures  uint64
	TrackedProcesses  int64
}

// ListenerFactory builds the host's interception listener on demand, so
// the registry never needs to know the OS-specific concrete type (spec
// section 1, "treated as external collaborators").
type ListenerFactory func() host.InterceptionListener

// Registry is the top-level sandbox object (spec section 2 registry row).
// The zero value is not ready to use; construct with New.
type Registry struct {
	mu                 sync.RWMutex
	clients            map[uint64]*client.ClientInfo
	caseSensitiveTrie  bool
	cacheDisableConfig cache.DisableConfig

	tracker         *tracker.Tracker
	sink            host.SharedIOQueue
	newListener     ListenerFactory
	listener        host.InterceptionListener
	listenerFailure func(error)

	counters Counters
	logger   *logging.Logger
}

// New creates an empty registry. sink is where completed access reports
// are forwarded (spec section 4.5); newListener builds the host
// interception listener lazily on the first attached client (spec section
// 4.8). The registry logs through logging.RootLogger's "sandbox"
// sublogger by default; call SetLogger to redirect it.
func New(sink host.SharedIOQueue, newListener ListenerFactory) *Registry {
	r := &Registry{
		clients:            make(map[uint64]*client.ClientInfo),
		cacheDisableConfig: cache.DefaultDisableConfig(),
		tracker:            tracker.New(),
		sink:               sink,
		newListener:        newListener,
		logger:             logging.RootLogger.Sublogger("sandbox"),
	}
	r.tracker.SetInsertObserver(func(count int) {
		atomic.StoreInt64(&r.counters.trackedProcesses, int64(count))
	})
	return r
}

// SetLogger redirects the registry's diagnostic logging. A nil logger
// silently discards output, matching logging.Logger's nil-safe contract.
func (r *Registry) SetLogger(logger *logging.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// SetCaseSensitiveTrie controls whether subsequently parsed manifests build
// a case-sensitive policy trie (spec section 4.2).
func (r *Registry) SetCaseSensitiveTrie(caseSensitive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caseSensitiveTrie = caseSensitive
}

// SetCacheDisableConfig installs the process-wide cache-disable tuning used
// for every pip's path cache created from now on (spec section 6.4,
// "cache-disable minimum entries, cache-disable maximum hit percentage").
func (r *Registry) SetCacheDisableConfig(config cache.DisableConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheDisableConfig = config
}

// Configure validates and applies config to the named client (spec section
// 4.8, "Configure"; resolved per spec section 9 to be (clientPid,
// KextConfig)-scoped rather than process-wide).
func (r *Registry) Configure(clientPid uint64, config client.KextConfig) error {
	r.mu.RLock()
	c, ok := r.clients[clientPid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("configure: client %d is not attached", clientPid)
	}
	c.Reconfigure(config)
	return nil
}

// AllocateClient attaches a new client (spec section 4.8, "Client slot").
// On the 0→1 connected-client transition it initializes the host
// interception listener on a fresh goroutine, so Initialize never shares a
// stack with the calling RPC thread.
func (r *Registry) AllocateClient(clientPid uint64, config client.KextConfig, onFailure host.AsyncFailureCallback) (*client.ClientInfo, error) {
	if err := client.Validate(clientPid); err != nil {
		return nil, err
	}

	c := client.New(clientPid, config, r.sink, onFailure)

	r.mu.Lock()
	if _, exists := r.clients[clientPid]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("allocate client: pid %d is already attached", clientPid)
	}
	r.clients[clientPid] = c
	transitionToFirst := len(r.clients) == 1
	r.mu.Unlock()

	r.logger.Debugf("client %d attached", clientPid)
	if transitionToFirst {
		r.startListener()
	}
	return c, nil
}

// DeallocateClient detaches clientPid (spec section 4.8, "DeallocateClient
// removes the mapping and, on successful removal, walks trackedProcesses
// to drop any orphaned processes whose pip's clientPid equals the
// departing client"). On the last client's departure it resets
// configuration, counters, and the tracker's map (spec section 9, resolved
// Open Question 2) and tears down the host listener on a fresh goroutine.
func (r *Registry) DeallocateClient(clientPid uint64) error {
	r.mu.Lock()
	c, ok := r.clients[clientPid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("deallocate client: pid %d is not attached", clientPid)
	}
	delete(r.clients, clientPid)
	transitionToZero := len(r.clients) == 0
	r.mu.Unlock()

	orphans := r.tracker.RemoveMatching(func(proc *tracker.SandboxedProcess) bool {
		return proc.Pip.ClientPid == clientPid
	})
	atomic.AddUint64(&r.counters.pipsUntracked, uint64(len(orphans)))
	if len(orphans) > 0 {
		r.logger.Debugf("client %d detached, reclaimed %d orphaned process(es)", clientPid, len(orphans))
	} else {
		r.logger.Debugf("client %d detached", clientPid)
	}

	c.Teardown()

	if transitionToZero {
		r.stopListenerAndReset()
	}
	return nil
}

func (r *Registry) startListener() {
	if r.newListener == nil {
		return
	}
	go func() {
		listener := r.newListener()
		if err := listener.Initialize(); err != nil {
			r.logger.Error(fmt.Errorf("interception listener initialize: %w", err))
			if r.listenerFailure != nil {
				r.listenerFailure(err)
			}
			return
		}
		r.mu.Lock()
		r.listener = listener
		r.mu.Unlock()
	}()
}

// stopListenerAndReset tears the listener down on a fresh goroutine (spec
// section 4.8, "Uninitialization... must not execute on a stack that may
// be unwinding from a crashed tool thread") and resets process-wide state.
func (r *Registry) stopListenerAndReset() {
	r.mu.Lock()
	listener := r.listener
	r.listener = nil
	if len(r.clients) == 0 {
		r.clients = make(map[uint64]*client.ClientInfo)
		r.cacheDisableConfig = cache.DefaultDisableConfig()
		r.caseSensitiveTrie = false
	}
	r.mu.Unlock()

	r.counters.reset()
	r.tracker.Reset()

	if listener == nil {
		return
	}
	go func() {
		if err := listener.Uninitialize(); err != nil {
			r.logger.Error(fmt.Errorf("interception listener uninitialize: %w", err))
			if r.listenerFailure != nil {
				r.listenerFailure(err)
			}
		}
	}()
}

// findClient looks up an attached client by pid.
func (r *Registry) findClient(clientPid uint64) (*client.ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientPid]
	return c, ok
}

// RecordManifestFailure notes a fatal FAM parse failure for diagnostics
// (spec section 7, "ManifestMalformed... fatal to the pip; reported and
// the pip is not tracked"). Callers parsing raw FAM bytes call this when
// fam.Parse returns an error, instead of calling TrackRootProcess.
func (r *Registry) RecordManifestFailure() {
	atomic.AddUint64(&r.counters.manifestFailures, 1)
	r.logger.Warn(fmt.Errorf("manifest parse failure: pip not tracked"))
}

// CaseSensitiveTrie reports whether freshly parsed manifests should build a
// case-sensitive policy trie (spec section 4.2). Callers parsing raw FAM
// bytes (e.g. the host RPC layer) consult this before calling fam.Parse.
func (r *Registry) CaseSensitiveTrie() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caseSensitiveTrie
}

// TrackRootProcess adopts an already-parsed manifest as the pip owned by
// rootPid, tracking rootPid as its root process (spec section 4.6,
// "TrackRootProcess(pip)"; section 2, "Control flow"). Parsing raw FAM
// bytes (spec section 4.2) is the caller's responsibility, since it
// happens once per pip at a layer that owns the raw byte buffer.
func (r *Registry) TrackRootProcess(clientPid uint64, manifest *fam.FAM, rootPid uint64, processPath string) (*tracker.SandboxedProcess, error) {
	c, ok := r.findClient(clientPid)
	if !ok {
		return nil, fmt.Errorf("track root process: client %d is not attached", clientPid)
	}

	r.mu.RLock()
	cacheConfig := r.cacheDisableConfig
	r.mu.RUnlock()

	pip := tracker.NewSandboxedPip(clientPid, rootPid, manifest, cacheConfig)
	proc, err := r.tracker.TrackRootProcess(pip, rootPid, path.Canonicalize(processPath))
	if err != nil {
		return nil, err
	}

	atomic.AddUint64(&r.counters.pipsTracked, 1)
	c.Resources.ObserveTreeSize(int(pip.TreeSize()))
	return proc, nil
}

// TrackChildProcess records childPid as a child of parentPid's process
// (spec section 4.6, "TrackChildProcess"). The returned bool mirrors the
// tracker's own: true only when a new entry was created.
func (r *Registry) TrackChildProcess(childPid, parentPid uint64) (bool, error) {
	parent, ok := r.tracker.Lookup(parentPid)
	if !ok {
		return false, fmt.Errorf("track child process %d: parent %d is not tracked", childPid, parentPid)
	}

	inserted, err := r.tracker.TrackChildProcess(childPid, parent)
	if err != nil {
		return false, err
	}
	if !inserted {
		if count := r.tracker.ConflictCount(); count > 0 {
			atomic.StoreUint64(&r.counters.conflictingTracks, count)
			r.logger.Debugf("child %d already tracked under a different pip than parent %d", childPid, parentPid)
		}
		return false, nil
	}

	if c, ok := r.findClient(parent.Pip.ClientPid); ok {
		c.Resources.ObserveTreeSize(int(parent.Pip.TreeSize()))
	}
	return true, nil
}

// UntrackProcess removes pid from the tracker, updating the owning
// client's resource manager with the pip's new tree size (spec section
// 4.6, "UntrackProcess"). A tree size of 0 means the pip has no remaining
// tracked process and is eligible for garbage collection.
func (r *Registry) UntrackProcess(pid uint64) tracker.UntrackResult {
	result := r.tracker.UntrackProcess(pid)
	if !result.Removed {
		return result
	}
	atomic.AddUint64(&r.counters.pipsUntracked, 1)
	if c, ok := r.findClient(result.Pip.ClientPid); ok {
		c.Resources.ObserveTreeSize(int(result.TreeSize))
	}
	result.Pip.WriteReports.Forget(pid)
	return result
}

// FindTrackedProcess is the hot-path lookup consulted on every observed
// file access (spec section 2, "Data flow"; section 5, "lookups on the hot
// path... must be lock-free or read-optimized").
func (r *Registry) FindTrackedProcess(pid uint64) (*tracker.SandboxedProcess, bool) {
	return r.tracker.Lookup(pid)
}

// CheckAccess is the registry's end-to-end dispatch for a single observed
// file access (spec section 2, "Data flow"): it resolves pid to its owning
// pip, walks the pip's FAM policy trie against rawPath, consults the pip's
// per-path access cache, and — only on a cache miss that the check decided
// is worth reporting — submits an AccessReport to the owning client. The
// returned AccessCheckResult reflects the policy decision regardless of
// whether a report was actually produced; the only error case is pid not
// being a tracked process.
func (r *Registry) CheckAccess(pid uint64, rawPath string, access fam.RequestedAccess, ctx fam.FileReadContext) (fam.AccessCheckResult, error) {
	proc, ok := r.tracker.Lookup(pid)
	if !ok {
		return fam.AccessCheckResult{}, fmt.Errorf("check access: pid %d is not tracked", pid)
	}
	pip := proc.Pip

	opts := fam.SpecialCaseOptions{CodeCoverageEnabled: !pip.FAM.GlobalFlags.Has(fam.FlagIgnoreCodeCoverage)}
	lookup := pip.FAM.Lookup(rawPath, opts)
	pip.SetLastLookup(lookup.Path)

	pathKey := lookup.Path.String()
	check := lookup.Check(access, ctx, pid, pathKey, pip.WriteReports, existenceProbeFor(ctx), pip.FAM.GlobalFlags)

	var record *cache.CacheRecord
	if record = pip.Cache.Lookup(pathKey); record != nil {
		// Only test the record here: the report queue's coalescing step
		// performs the update, so updating now would coalesce away the
		// very report this miss produces.
		hit := record.Covers(access)
		pip.Cache.RecordOutcome(hit)
		if hit {
			return check, nil
		}
	}
	if check.ReportLevel == fam.Ignore {
		if record != nil {
			record.CheckAndUpdate(access)
		}
		return check, nil
	}

	c, ok := r.findClient(pip.ClientPid)
	if !ok {
		return check, nil
	}

	var pathID int32
	if node := lookup.Cursor.Node(); node != nil {
		pathID = node.PathID
	}
	c.Submit(report.AccessReport{
		Operation:       operationName(access),
		Pid:             pid,
		RootPid:         pip.RootPid,
		PipID:           pip.FAM.PipID,
		RequestedAccess: access,
		Result:          check.Result,
		ReportLevel:     check.ReportLevel,
		PathID:          pathID,
		Path:            pathKey,
		CacheRecord:     record,
		CreatedAt:       time.Now(),
	})
	return check, nil
}

// existenceProbeFor adapts a caller-observed FileReadContext into the
// ExistenceProbe shape CheckWriteAccess expects: the core never touches the
// filesystem itself, so ctx's Exists/InvalidPath fields are the only
// existence facts available to a write-like check.
func existenceProbeFor(ctx fam.FileReadContext) fam.ExistenceProbe {
	return func() (valid bool, exists bool) {
		return !ctx.InvalidPath, ctx.Exists
	}
}

// operationName labels an AccessReport with a host-readable access kind
// (spec section 3, "ReportQueue entry").
func operationName(access fam.RequestedAccess) string {
	switch access {
	case fam.Write:
		return "Write"
	case fam.Read:
		return "Read"
	case fam.Probe:
		return "Probe"
	default:
		return "Lookup"
	}
}
