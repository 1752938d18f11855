package sandbox

import "github.com/buildxl/sandboxcore/pkg/tracker"

// PipSnapshot is one tracked pip's introspection entry (spec section 4.9).
type PipSnapshot struct {
	RootPid  uint64
	ClientPid uint64
	Children []uint64
	TreeSize int32
}

// Snapshot is the result of Introspect (spec section 4.9).
type Snapshot struct {
	AttachedClients int
	Counters        CountersSnapshot
	Configs         map[uint64]clientConfigSnapshot
	Pips            []PipSnapshot
}

type clientConfigSnapshot struct {
	ReportQueueSizeMB    int
	EnableReportBatching bool
}

// Introspect produces a diagnostic snapshot (spec section 4.9). It walks
// the tracker twice without holding any lock across the whole pass: the
// first pass groups tracked pids by their pip's root pid and selects up to
// MaxIntrospectedPips reportable pips; the second fills each selected
// pip's children array up to MaxIntrospectedChildren. Entries that
// appear or disappear mid-snapshot under concurrent mutation may be
// included or omitted but are never torn, since each ForEach visit reads a
// single already-stored *SandboxedProcess.
func (r *Registry) Introspect() Snapshot {
	r.mu.RLock()
	attached := len(r.clients)
	configs := make(map[uint64]clientConfigSnapshot, len(r.clients))
	for pid, c := range r.clients {
		configs[pid] = clientConfigSnapshot{
			ReportQueueSizeMB:    c.Config.ReportQueueSizeMB,
			EnableReportBatching: c.Config.EnableReportBatching,
		}
	}
	r.mu.RUnlock()

	roots := make(map[uint64]*tracker.SandboxedPip)
	var rootOrder []uint64
	r.tracker.ForEach(func(pid uint64, proc *tracker.SandboxedProcess) {
		if proc.Pid != proc.Pip.RootPid {
			return
		}
		if _, seen := roots[proc.Pip.RootPid]; seen {
			return
		}
		if len(rootOrder) >= MaxIntrospectedPips {
			return
		}
		roots[proc.Pip.RootPid] = proc.Pip
		rootOrder = append(rootOrder, proc.Pip.RootPid)
	})

	pips := make([]PipSnapshot, 0, len(rootOrder))
	index := make(map[uint64]int, len(rootOrder))
	for i, rootPid := range rootOrder {
		pip := roots[rootPid]
		pips = append(pips, PipSnapshot{RootPid: rootPid, ClientPid: pip.ClientPid, TreeSize: pip.TreeSize()})
		index[rootPid] = i
	}

	r.tracker.ForEach(func(pid uint64, proc *tracker.SandboxedProcess) {
		if proc.Pid == proc.Pip.RootPid {
			return
		}
		i, ok := index[proc.Pip.RootPid]
		if !ok {
			return
		}
		if len(pips[i].Children) >= MaxIntrospectedChildren {
			return
		}
		pips[i].Children = append(pips[i].Children, pid)
	})

	return Snapshot{
		AttachedClients: attached,
		Counters:        r.counters.snapshot(),
		Configs:         configs,
		Pips:            pips,
	}
}
