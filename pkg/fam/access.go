package fam

import (
	"sync"

	"github.com/buildxl/sandboxcore/pkg/path"
)

// RequestedAccess identifies the kind of access a host interceptor observed
// being requested, used both for cache bitset membership (package cache) and
// for classifying reads.
type RequestedAccess uint8

const (
	// Lookup is a pure existence/name-resolution probe.
	Lookup RequestedAccess = iota
	// Probe is a metadata query (e.g. stat) that does not read file contents.
	Probe
	// Read is a content read.
	Read
	// Write is a content write.
	Write
)

// RequestedReadAccess distinguishes ordinary reads from enumeration-induced
// probes, which have historical allow-by-default treatment (spec section
// 4.3).
type RequestedReadAccess uint8

const (
	// OrdinaryRead is a normal read-open request.
	OrdinaryRead RequestedReadAccess = iota
	// EnumerationProbe is a probe performed as part of directory enumeration.
	EnumerationProbe
)

// Decision is the outcome of an access check.
type Decision uint8

const (
	// Allow permits the access.
	Allow Decision = iota
	// Warn permits the access but flags it for diagnostic attention.
	Warn
	// Deny refuses the access.
	Deny
)

// ReportLevel indicates whether, and how emphatically, an access should be
// reported to the build engine.
type ReportLevel uint8

const (
	// Ignore means no report is generated.
	Ignore ReportLevel = iota
	// Report means a report is generated because of global reporting policy.
	Report
	// ReportExplicit means a report is generated because this specific path
	// was marked for explicit reporting.
	ReportExplicit
)

// PathValidity records whether a path's syntax could be resolved at all.
type PathValidity uint8

const (
	// Valid means the path resolved to a concrete location.
	Valid PathValidity = iota
	// Indeterminate means the path's policy could not be determined because
	// canonicalization failed (spec section 7, "IndeterminatePolicy").
	Indeterminate
)

// AccessCheckResult is the product of an access check (spec section 4.3).
type AccessCheckResult struct {
	RequestedAccess RequestedAccess
	Result          Decision
	ReportLevel     ReportLevel
	PathValidity    PathValidity
}

// FileReadContext carries the filesystem facts a caller observed about a
// path, needed to classify a read request.
type FileReadContext struct {
	Exists         bool
	OpenedDirectory bool
	InvalidPath    bool
}

// PolicyResult is the product of canonicalizing a path and walking the
// policy trie against it (spec section 3, "PolicyResult").
type PolicyResult struct {
	Path   path.Path
	Policy Policy
	Cursor Cursor
	Valid  bool
}

// failuresAreTolerated reports whether a denied access should be downgraded
// to Warn rather than Deny, per the FAM's global fail-unexpected-file-accesses
// flag.
func failuresAreTolerated(globalFlags Flags) bool {
	return !globalFlags.Has(FlagFailUnexpectedFileAccesses)
}

// reportLevelForExistence computes ReportExplicit when the node policy
// requests existence-conditioned reporting, Report when the manifest reports
// any access globally or the result was not an outright allow, and Ignore
// otherwise.
func reportLevelForExistence(policy Policy, globalFlags Flags, exists bool, result Decision) ReportLevel {
	if exists && policy.Has(ReportAccessIfExistent) {
		return ReportExplicit
	}
	if !exists && policy.Has(ReportAccessIfNonExistent) {
		return ReportExplicit
	}
	if globalFlags.Has(FlagReportAnyAccess) || globalFlags.Has(FlagReportFileAccesses) || result != Allow {
		return Report
	}
	return Ignore
}

// CheckReadAccess implements the table in spec section 4.3.
func (r PolicyResult) CheckReadAccess(access RequestedReadAccess, ctx FileReadContext, globalFlags Flags) AccessCheckResult {
	if !r.Valid || ctx.InvalidPath {
		return AccessCheckResult{RequestedAccess: Read, Result: Allow, ReportLevel: Ignore, PathValidity: Indeterminate}
	}

	policy := r.Policy

	var result Decision
	switch {
	case ctx.OpenedDirectory:
		result = Allow
	case ctx.Exists && policy.allowsRead():
		result = Allow
	case !ctx.Exists && policy.allowsReadIfNonexistent():
		result = Allow
	case access == EnumerationProbe:
		result = Allow
	case failuresAreTolerated(globalFlags):
		result = Warn
	default:
		result = Deny
	}

	level := reportLevelForExistence(policy, globalFlags, ctx.Exists, result)
	return AccessCheckResult{RequestedAccess: Read, Result: result, ReportLevel: level, PathValidity: Valid}
}

// ExistenceProbe is supplied by the caller to resolve path-syntax validity
// when a write (or directory/symlink-creation) check must distinguish a bad
// path from a genuine denial, since the core itself never touches the
// filesystem.
type ExistenceProbe func() (valid bool, exists bool)

// writeLikeCheck implements the shared shape of CheckWriteAccess,
// CheckCreateDirectoryAccess, and CheckSymlinkCreationAccess: if the
// corresponding Allow bit is set, allow (reporting only if requested);
// otherwise probe the filesystem to distinguish syntax invalidity (no
// report, let the OS error surface) from genuine denial.
func writeLikeCheck(
	r PolicyResult,
	requested RequestedAccess,
	allowed bool,
	probe ExistenceProbe,
	globalFlags Flags,
) AccessCheckResult {
	if !r.Valid {
		return AccessCheckResult{RequestedAccess: requested, Result: Allow, ReportLevel: Ignore, PathValidity: Indeterminate}
	}

	policy := r.Policy

	if allowed {
		level := Ignore
		if policy.Has(ReportAccess) || globalFlags.Has(FlagReportAnyAccess) || globalFlags.Has(FlagReportFileAccesses) {
			level = ReportExplicit
		}
		return AccessCheckResult{RequestedAccess: requested, Result: Allow, ReportLevel: level, PathValidity: Valid}
	}

	valid, exists := true, false
	if probe != nil {
		valid, exists = probe()
	}
	if !valid {
		return AccessCheckResult{RequestedAccess: requested, Result: Allow, ReportLevel: Ignore, PathValidity: Indeterminate}
	}

	var result Decision
	if failuresAreTolerated(globalFlags) {
		result = Warn
	} else {
		result = Deny
	}
	level := reportLevelForExistence(policy, globalFlags, exists, result)
	if policy.Has(ReportAccess) {
		level = ReportExplicit
	}
	if level == Ignore && policy.reportsAnyAccess() {
		level = Report
	}
	return AccessCheckResult{RequestedAccess: requested, Result: result, ReportLevel: level, PathValidity: Valid}
}

// ExistingFileWriteReports tracks, per observing process, which paths have
// already produced the deferred existing-file write report that
// OverrideAllowWriteForExistingFiles calls for (spec section 4.3): the
// first write check against a given path within a process forces a report
// even when the check would otherwise stay silent, and every later write
// check against that same (process, path) pair is left alone. The zero
// value is not ready to use; construct with NewExistingFileWriteReports.
type ExistingFileWriteReports struct {
	mu         sync.Mutex
	perProcess map[uint64]map[string]struct{}
}

// NewExistingFileWriteReports creates an empty tracker.
func NewExistingFileWriteReports() *ExistingFileWriteReports {
	return &ExistingFileWriteReports{perProcess: make(map[uint64]map[string]struct{})}
}

// markAndCheck records (pid, pathKey) and reports whether this is the
// first time the pair has been seen.
func (t *ExistingFileWriteReports) markAndCheck(pid uint64, pathKey string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := t.perProcess[pid]
	if paths == nil {
		paths = make(map[string]struct{})
		t.perProcess[pid] = paths
	}
	if _, seen := paths[pathKey]; seen {
		return false
	}
	paths[pathKey] = struct{}{}
	return true
}

// Forget drops every path recorded for pid. Callers forget a pid once its
// process is untracked, so a long-running host doesn't accumulate an
// unbounded set for processes that have long since exited.
func (t *ExistingFileWriteReports) Forget(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.perProcess, pid)
}

// CheckWriteAccess implements the write rule in spec section 4.3, including
// the override-for-existing-files deferred report described there. When the
// node policy sets OverrideAllowWriteForExistingFiles, reports (a non-nil
// tracker, scoped to the observing pid and the canonicalized path) forces
// ReportExplicit on the first write check for that (pid, path) pair and
// leaves every later one as writeLikeCheck alone would have decided it.
func (r PolicyResult) CheckWriteAccess(pid uint64, pathKey string, reports *ExistingFileWriteReports, probe ExistenceProbe, globalFlags Flags) AccessCheckResult {
	result := writeLikeCheck(r, Write, r.Valid && r.Policy.allowsWrite(), probe, globalFlags)
	if r.Valid && reports != nil && r.Policy.Has(OverrideAllowWriteForExistingFiles) {
		if first := reports.markAndCheck(pid, pathKey); first && result.ReportLevel == Ignore {
			result.ReportLevel = ReportExplicit
		}
	}
	return result
}

// Check dispatches to the rule matching access: CheckWriteAccess for Write
// requests, CheckReadAccess (as an ordinary read or an enumeration probe)
// for Read and Probe requests. A bare Lookup request is never
// policy-checked: spec section 4.4's cache hierarchy treats Lookup as the
// access every other kind implies, not a standalone observation worth
// gating or reporting on its own.
func (r PolicyResult) Check(
	access RequestedAccess,
	ctx FileReadContext,
	pid uint64,
	pathKey string,
	reports *ExistingFileWriteReports,
	probe ExistenceProbe,
	globalFlags Flags,
) AccessCheckResult {
	switch access {
	case Write:
		return r.CheckWriteAccess(pid, pathKey, reports, probe, globalFlags)
	case Read, Probe:
		readAccess := OrdinaryRead
		if access == Probe {
			readAccess = EnumerationProbe
		}
		return r.CheckReadAccess(readAccess, ctx, globalFlags)
	default:
		return AccessCheckResult{RequestedAccess: Lookup, Result: Allow, ReportLevel: Ignore, PathValidity: Valid}
	}
}

// CheckCreateDirectoryAccess implements the analogous rule for directory
// creation.
func (r PolicyResult) CheckCreateDirectoryAccess(probe ExistenceProbe, globalFlags Flags) AccessCheckResult {
	return writeLikeCheck(r, Write, r.Valid && r.Policy.allowsCreateDirectory(), probe, globalFlags)
}

// CheckSymlinkCreationAccess implements the analogous rule for symbolic link
// creation.
func (r PolicyResult) CheckSymlinkCreationAccess(probe ExistenceProbe, globalFlags Flags) AccessCheckResult {
	return writeLikeCheck(r, Write, r.Valid && r.Policy.allowsSymlinkCreation(), probe, globalFlags)
}

// CheckDirectoryAccess checks access to a path known to be a directory. If
// enforceCreation is true, directory creation policy is consulted in
// addition to the unconditional-allow read semantics directories otherwise
// receive. TreatDirectorySymlinkAsDirectory and
// EnableFullReparsePointParsing (spec section 3) are available on the policy
// for callers that need them; neither this check nor any other check in
// this package consults them.
func (r PolicyResult) CheckDirectoryAccess(enforceCreation bool, probe ExistenceProbe, globalFlags Flags) AccessCheckResult {
	if enforceCreation {
		return r.CheckCreateDirectoryAccess(probe, globalFlags)
	}
	return r.CheckReadAccess(OrdinaryRead, FileReadContext{Exists: true, OpenedDirectory: true}, globalFlags)
}
