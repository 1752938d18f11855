package main

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/report"
)

// printingSink is the host.SharedIOQueue stand-in used by every subcommand:
// it prints each completed access report instead of forwarding it across a
// real RPC transport.
type printingSink struct {
	mu    sync.Mutex
	count int
}

func (s *printingSink) Enqueue(r interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if entry, ok := r.(report.AccessReport); ok {
		fmt.Printf("  report: pid=%d op=%s path-id=%d result=%v\n", entry.Pid, entry.Operation, entry.PathID, entry.Result)
	}
	return true
}

// noopListener stands in for the OS-specific KAuth/Detours interception
// layer, which lives outside this module (spec section 1).
type noopListener struct{}

func (noopListener) Initialize() error   { fmt.Println("interception listener initialized"); return nil }
func (noopListener) Uninitialize() error { fmt.Println("interception listener uninitialized"); return nil }

// buildFixtureManifest constructs a small, self-consistent FAM for
// processPath: a permissive root cone policy plus one reporting rule under
// a "src" directory, enough to exercise TrackRootProcess and the policy
// trie without needing a real build-engine manifest byte stream.
func buildFixtureManifest(processPath string) *fam.FAM {
	trie := fam.NewTrie(false)
	trie.Insert(nil).ConePolicy = fam.AllowAll
	node := trie.Insert([]string{"src"})
	node.ConePolicy = fam.AllowAll | fam.ReportAccess
	node.PathID = 1

	return &fam.FAM{
		PipID:       syntheticPipID(),
		HasPipID:    true,
		ProcessPath: processPath,
		Trie:        trie,
	}
}

// syntheticPipID mints a pip id for the demo fixture. A real manifest
// carries the engine-assigned 64-bit pip id (spec section 6.1, item 7);
// this harness has no engine behind it, so it derives one from a random
// UUID instead of hardcoding a constant.
func syntheticPipID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

var _ host.InterceptionListener = noopListener{}
