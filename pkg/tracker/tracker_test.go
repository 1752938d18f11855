package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/cache"
	"github.com/buildxl/sandboxcore/pkg/path"
)

func newTestPip(clientPid, rootPid uint64) *SandboxedPip {
	return NewSandboxedPip(clientPid, rootPid, nil, cache.DefaultDisableConfig())
}

func TestTrackRootProcessInsertsOnce(t *testing.T) {
	tr := New()
	pip := newTestPip(1, 100)

	proc, err := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\tools\cl.exe`))
	require.NoError(t, err)
	require.Equal(t, uint64(100), proc.Pid)

	found, ok := tr.Lookup(100)
	require.True(t, ok)
	require.Same(t, proc, found)
}

func TestTrackRootProcessForciblyReplacesStaleEntry(t *testing.T) {
	tr := New()
	stalePip := newTestPip(1, 100)
	_, err := tr.TrackRootProcess(stalePip, 100, path.Canonicalize(`C:\old.exe`))
	require.NoError(t, err)
	require.Equal(t, int32(1), stalePip.TreeSize())

	newPip := newTestPip(2, 100)
	proc, err := tr.TrackRootProcess(newPip, 100, path.Canonicalize(`C:\new.exe`))
	require.NoError(t, err)
	require.Equal(t, newPip, proc.Pip)
	require.Equal(t, int32(0), stalePip.TreeSize(), "the stale pip's tree size must drop once its only process is forced out")

	found, _ := tr.Lookup(100)
	require.Same(t, proc, found)
}

func TestTrackChildProcessNewlyInsertedIncrementsTreeSize(t *testing.T) {
	tr := New()
	pip := newTestPip(1, 100)
	root, err := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\tools\cl.exe`))
	require.NoError(t, err)

	inserted, err := tr.TrackChildProcess(101, root)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, int32(2), pip.TreeSize())

	child, ok := tr.Lookup(101)
	require.True(t, ok)
	require.Equal(t, root.Path, child.Path, "a newly tracked child inherits the parent's executable path")
}

func TestTrackChildProcessAlreadyTrackedSamePipIsBenign(t *testing.T) {
	tr := New()
	pip := newTestPip(1, 100)
	root, _ := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\tools\cl.exe`))
	tr.TrackChildProcess(101, root)

	inserted, err := tr.TrackChildProcess(101, root)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, int32(2), pip.TreeSize(), "re-observing an already-tracked child must not change tree size")
	require.Equal(t, uint64(0), tr.ConflictCount())
}

func TestTrackChildProcessDifferentPipIsConflict(t *testing.T) {
	tr := New()
	pipA := newTestPip(1, 100)
	pipB := newTestPip(2, 200)
	rootA, _ := tr.TrackRootProcess(pipA, 100, path.Canonicalize(`C:\a.exe`))
	rootB, _ := tr.TrackRootProcess(pipB, 200, path.Canonicalize(`C:\b.exe`))
	tr.TrackChildProcess(300, rootA)

	inserted, err := tr.TrackChildProcess(300, rootB)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, uint64(1), tr.ConflictCount())
}

func TestUntrackProcessDecrementsTreeSize(t *testing.T) {
	tr := New()
	pip := newTestPip(1, 100)
	root, _ := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\a.exe`))
	tr.TrackChildProcess(101, root)
	require.Equal(t, int32(2), pip.TreeSize())

	result := tr.UntrackProcess(101)
	require.True(t, result.Removed)
	require.Equal(t, int32(1), result.TreeSize)

	_, ok := tr.Lookup(101)
	require.False(t, ok)
}

func TestOrphanCleanupOnClientDeath(t *testing.T) {
	// Scenario S6: allocate client C; TrackRoot pip P owned by C; TrackChild
	// under P yielding processes p1, p2; DeallocateClient(C) directly;
	// expect both p1, p2 removed and P.treeSize drops to 0.
	tr := New()
	pip := newTestPip(42, 100)
	root, err := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\a.exe`))
	require.NoError(t, err)
	tr.TrackChildProcess(101, root)
	tr.TrackChildProcess(102, root)
	require.Equal(t, int32(3), pip.TreeSize())

	removed := tr.RemoveMatching(func(p *SandboxedProcess) bool {
		return p.Pip.ClientPid == 42
	})
	require.ElementsMatch(t, []uint64{100, 101, 102}, removed)

	for _, pid := range []uint64{100, 101, 102} {
		_, ok := tr.Lookup(pid)
		require.False(t, ok)
	}
	require.Equal(t, int32(0), pip.TreeSize())
}

func TestForEachVisitsAllTrackedProcesses(t *testing.T) {
	tr := New()
	pip := newTestPip(1, 100)
	root, _ := tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\a.exe`))
	tr.TrackChildProcess(101, root)

	seen := map[uint64]bool{}
	tr.ForEach(func(pid uint64, proc *SandboxedProcess) {
		seen[pid] = true
	})
	require.True(t, seen[100])
	require.True(t, seen[101])
}

func TestInsertObserverFiresOnInsertAndRemove(t *testing.T) {
	tr := New()
	var lastCount int
	calls := 0
	tr.SetInsertObserver(func(count int) {
		calls++
		lastCount = count
	})

	pip := newTestPip(1, 100)
	tr.TrackRootProcess(pip, 100, path.Canonicalize(`C:\a.exe`))
	require.Equal(t, 1, lastCount)

	tr.UntrackProcess(100)
	require.Equal(t, 0, lastCount)
	require.True(t, calls >= 2)
}
