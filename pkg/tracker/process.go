package tracker

import "github.com/buildxl/sandboxcore/pkg/path"

// SandboxedProcess is a single OS process tracked as part of a pip's
// process tree (spec section 3, "SandboxedProcess"). Pip is shared with
// every other process in the tree; a process never outlives the pip it
// points to since the tracker removes the mapping before the pip's tree
// size can drop to zero.
type SandboxedProcess struct {
	Pid  uint64
	Path path.Path
	Pip  *SandboxedPip
}
