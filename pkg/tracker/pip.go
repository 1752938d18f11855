// Package tracker implements the sandbox's process-tree tracker: a
// concurrent pid-to-process map plus the pip that owns each process tree
// (spec section 3, "SandboxedPip" / "SandboxedProcess"; section 4.6).
package tracker

import (
	"sync/atomic"

	"github.com/buildxl/sandboxcore/pkg/cache"
	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/path"
)

// SandboxedPip is the per-pip state created when the engine starts a pip
// (spec section 3, "SandboxedPip"). Its FAM and cache controller are
// immutable after construction except for the cache controller's own
// internal (synchronized) mutable state; treeSize is the only field
// mutated concurrently from the tracker.
//
// The original design reference-counts the FAM payload buffer manually;
// here the buffer and parsed FAM are simply held by a shared pointer and
// released by the garbage collector once the last SandboxedProcess
// referencing this pip is gone, which is the idiomatic Go equivalent.
type SandboxedPip struct {
	ClientPid uint64
	RootPid   uint64
	FAM       *fam.FAM
	Cache     *cache.Controller

	// WriteReports backs the deferred existing-file write report (spec
	// section 4.3, OverrideAllowWriteForExistingFiles): it is scoped to the
	// pip, like Cache, since the override is a per-pip manifest policy.
	WriteReports *fam.ExistingFileWriteReports

	treeSize int32

	// lastLookup is a best-effort, single-slot hint of the most recently
	// looked-up path for this pip, approximating the original's per-thread
	// slot; Go goroutines aren't pinned to OS threads, so this is a
	// process-wide (not per-thread) optimization hint rather than a
	// correctness-relevant cache, consistent with spec section 3's note
	// that it exists purely to speed up the hot path.
	lastLookup atomic.Value
}

// NewSandboxedPip creates a pip with a tree size of 1 (the root process),
// owning manifest and a fresh per-pip cache controller configured per
// cacheConfig.
func NewSandboxedPip(clientPid, rootPid uint64, manifest *fam.FAM, cacheConfig cache.DisableConfig) *SandboxedPip {
	return &SandboxedPip{
		ClientPid:    clientPid,
		RootPid:      rootPid,
		FAM:          manifest,
		Cache:        cache.NewController(cacheConfig),
		WriteReports: fam.NewExistingFileWriteReports(),
		treeSize:     1,
	}
}

// TreeSize returns the current number of tracked processes belonging to
// this pip.
func (p *SandboxedPip) TreeSize() int32 {
	return atomic.LoadInt32(&p.treeSize)
}

func (p *SandboxedPip) incrementTreeSize() int32 {
	return atomic.AddInt32(&p.treeSize, 1)
}

func (p *SandboxedPip) decrementTreeSize() int32 {
	return atomic.AddInt32(&p.treeSize, -1)
}

// LastLookup returns the most recently recorded lookup path, or path.Null
// if none has been recorded yet.
func (p *SandboxedPip) LastLookup() path.Path {
	if v := p.lastLookup.Load(); v != nil {
		return v.(path.Path)
	}
	return path.Null
}

// SetLastLookup records p as the most recently looked-up path.
func (p *SandboxedPip) SetLastLookup(v path.Path) {
	p.lastLookup.Store(v)
}
