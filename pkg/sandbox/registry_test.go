package sandbox

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/client"
	"github.com/buildxl/sandboxcore/pkg/fam"
	"github.com/buildxl/sandboxcore/pkg/host"
	"github.com/buildxl/sandboxcore/pkg/path"
)

type fakeSink struct {
	mu      sync.Mutex
	reports []interface{}
}

func (f *fakeSink) Enqueue(r interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return true
}

type fakeListener struct {
	initialized   int32
	uninitialized int32
}

func (l *fakeListener) Initialize() error {
	atomic.AddInt32(&l.initialized, 1)
	return nil
}

func (l *fakeListener) Uninitialize() error {
	atomic.AddInt32(&l.uninitialized, 1)
	return nil
}

func emptyManifest(processPath string) *fam.FAM {
	return &fam.FAM{ProcessPath: processPath}
}

func TestAllocateClientInitializesListenerOnFirstClient(t *testing.T) {
	listener := &fakeListener{}
	r := New(&fakeSink{}, func() host.InterceptionListener { return listener })

	_, err := r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&listener.initialized) == 1 }, time.Second, time.Millisecond)
}

func TestAllocateClientRejectsDuplicatePid(t *testing.T) {
	r := New(&fakeSink{}, nil)
	_, err := r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	require.NoError(t, err)

	_, err = r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	require.Error(t, err)
}

func TestDeallocateClientUninitializesListenerOnLastClient(t *testing.T) {
	listener := &fakeListener{}
	r := New(&fakeSink{}, func() host.InterceptionListener { return listener })
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&listener.initialized) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.DeallocateClient(1))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&listener.uninitialized) == 1 }, time.Second, time.Millisecond)
}

func TestTrackRootProcessThenChildUpdatesTreeSize(t *testing.T) {
	r := New(&fakeSink{}, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})

	root, err := r.TrackRootProcess(1, emptyManifest(`C:\tools\cl.exe`), 100, `C:\tools\cl.exe`)
	require.NoError(t, err)
	require.Equal(t, uint64(100), root.Pid)

	inserted, err := r.TrackChildProcess(101, 100)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, int32(2), root.Pip.TreeSize())

	found, ok := r.FindTrackedProcess(101)
	require.True(t, ok)
	require.Equal(t, root.Path, found.Path)
}

func TestTrackRootProcessFailsForUnattachedClient(t *testing.T) {
	r := New(&fakeSink{}, nil)
	_, err := r.TrackRootProcess(1, emptyManifest(`C:\a.exe`), 100, `C:\a.exe`)
	require.Error(t, err)
}

func TestUntrackProcessReportsTreeSize(t *testing.T) {
	r := New(&fakeSink{}, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	root, _ := r.TrackRootProcess(1, emptyManifest(`C:\a.exe`), 100, `C:\a.exe`)
	r.TrackChildProcess(101, 100)

	result := r.UntrackProcess(101)
	require.True(t, result.Removed)
	require.Equal(t, int32(1), result.TreeSize)
	_ = root
}

func TestDeallocateClientOrphansAreRemoved(t *testing.T) {
	r := New(&fakeSink{}, nil)
	r.AllocateClient(42, client.KextConfig{}, host.AsyncFailureCallback{})
	r.TrackRootProcess(42, emptyManifest(`C:\a.exe`), 100, `C:\a.exe`)
	r.TrackChildProcess(101, 100)
	r.TrackChildProcess(102, 100)

	require.NoError(t, r.DeallocateClient(42))

	for _, pid := range []uint64{100, 101, 102} {
		_, ok := r.FindTrackedProcess(pid)
		require.False(t, ok)
	}
}

func TestIntrospectCapsRootsAndChildren(t *testing.T) {
	r := New(&fakeSink{}, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})

	root, _ := r.TrackRootProcess(1, emptyManifest(`C:\a.exe`), 100, `C:\a.exe`)
	for i := uint64(0); i < 25; i++ {
		r.TrackChildProcess(200+i, root.Pid)
	}

	snap := r.Introspect()
	require.Equal(t, 1, snap.AttachedClients)
	require.Len(t, snap.Pips, 1)
	require.LessOrEqual(t, len(snap.Pips[0].Children), MaxIntrospectedChildren)
	require.Equal(t, uint64(100), snap.Pips[0].RootPid)
}

func TestRegistryCaseSensitiveTrieDefaultsFalse(t *testing.T) {
	r := New(&fakeSink{}, nil)
	require.False(t, r.CaseSensitiveTrie())
	r.SetCaseSensitiveTrie(true)
	require.True(t, r.CaseSensitiveTrie())
}

func TestTrackRootProcessCanonicalizesProcessPath(t *testing.T) {
	r := New(&fakeSink{}, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	root, err := r.TrackRootProcess(1, emptyManifest(`C:\tools\cl.exe`), 100, `C:\tools\cl.exe`)
	require.NoError(t, err)
	require.Equal(t, path.Canonicalize(`C:\tools\cl.exe`), root.Path)
}

// reportingManifest builds a FAM whose trie allows writes under "out" and
// marks them for explicit reporting, used to exercise CheckAccess's full
// trie-lookup/cache/report pipeline.
func reportingManifest(processPath string) *fam.FAM {
	trie := fam.NewTrie(false)
	trie.Insert(nil).ConePolicy = fam.AllowRead
	node := trie.Insert([]string{"out"})
	node.ConePolicy = fam.AllowWrite | fam.ReportAccess
	node.PathID = 7

	return &fam.FAM{
		ProcessPath:    processPath,
		Trie:           trie,
		GlobalFlags:    fam.FlagFailUnexpectedFileAccesses,
		HasGlobalFlags: true,
	}
}

func TestCheckAccessFailsForUntrackedPid(t *testing.T) {
	r := New(&fakeSink{}, nil)
	_, err := r.CheckAccess(999, `C:\out\a.obj`, fam.Write, fam.FileReadContext{})
	require.Error(t, err)
}

func TestCheckAccessReportsOnceThenCoalescesRepeatedAccess(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	r.TrackRootProcess(1, reportingManifest(`C:\tools\cl.exe`), 100, `C:\tools\cl.exe`)

	check, err := r.CheckAccess(100, `C:\out\a.obj`, fam.Write, fam.FileReadContext{Exists: false})
	require.NoError(t, err)
	require.Equal(t, fam.Allow, check.Result)
	require.Equal(t, fam.ReportExplicit, check.ReportLevel)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.reports) == 1
	}, time.Second, time.Millisecond)

	// A second identical access is subsumed by the cache record the first
	// access created, so it produces no additional report.
	_, err = r.CheckAccess(100, `C:\out\a.obj`, fam.Write, fam.FileReadContext{Exists: false})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.reports, 1)
}

func TestCheckAccessDeniesOutsidePolicyAndReports(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, nil)
	r.AllocateClient(1, client.KextConfig{}, host.AsyncFailureCallback{})
	r.TrackRootProcess(1, reportingManifest(`C:\tools\cl.exe`), 100, `C:\tools\cl.exe`)

	check, err := r.CheckAccess(100, `C:\src\a.h`, fam.Write, fam.FileReadContext{Exists: true})
	require.NoError(t, err)
	require.Equal(t, fam.Deny, check.Result)
}
