package fam

// Policy is a bitset of access permissions and reporting directives attached
// to a policy trie node (spec section 3, "Policy trie node").
type Policy uint32

const (
	// AllowRead permits read access to an existing path.
	AllowRead Policy = 1 << iota
	// AllowReadIfNonexistent permits read access when the path does not exist.
	AllowReadIfNonexistent
	// AllowWrite permits write access.
	AllowWrite
	// AllowSymlinkCreation permits creating a symbolic link at the path.
	AllowSymlinkCreation
	// AllowCreateDirectory permits creating a directory at the path.
	AllowCreateDirectory
	// AllowAll is a shorthand granting every access kind; special-case
	// widening rules (section 4.2) set this bit directly.
	AllowAll
	// ReportAccess causes every access to this path to be reported.
	ReportAccess
	// ReportAccessIfExistent causes reporting only when the path exists.
	ReportAccessIfExistent
	// ReportAccessIfNonExistent causes reporting only when the path does not exist.
	ReportAccessIfNonExistent
	// ReportDirectoryEnumerationAccess causes directory enumeration to be reported.
	ReportDirectoryEnumerationAccess
	// AllowRealInputTimestamps disables timestamp faking for this path.
	AllowRealInputTimestamps
	// OverrideAllowWriteForExistingFiles forces a deferred existence report on
	// the first write check for a path within the observing process (spec
	// section 4.3).
	OverrideAllowWriteForExistingFiles
	// ReportUsnAfterOpen requests that the USN be captured after the open
	// completes, rather than before.
	ReportUsnAfterOpen
	// TreatDirectorySymlinkAsDirectory makes a directory-typed symlink behave
	// like a plain directory for access-check purposes.
	TreatDirectorySymlinkAsDirectory
	// EnableFullReparsePointParsing enables full reparse-point resolution
	// semantics when probing this path.
	EnableFullReparsePointParsing
)

// Has reports whether all bits in mask are set in p.
func (p Policy) Has(mask Policy) bool {
	return p&mask == mask
}

// HasAny reports whether any bit in mask is set in p.
func (p Policy) HasAny(mask Policy) bool {
	return p&mask != 0
}

// With returns p with mask's bits set.
func (p Policy) With(mask Policy) Policy {
	return p | mask
}

// allowsRead reports whether the policy allows read access outright, taking
// AllowAll into account.
func (p Policy) allowsRead() bool {
	return p.HasAny(AllowAll | AllowRead)
}

func (p Policy) allowsReadIfNonexistent() bool {
	return p.HasAny(AllowAll | AllowReadIfNonexistent)
}

func (p Policy) allowsWrite() bool {
	return p.HasAny(AllowAll | AllowWrite)
}

func (p Policy) allowsCreateDirectory() bool {
	return p.HasAny(AllowAll | AllowCreateDirectory)
}

func (p Policy) allowsSymlinkCreation() bool {
	return p.HasAny(AllowAll | AllowSymlinkCreation)
}

func (p Policy) reportsAnyAccess() bool {
	return p.HasAny(ReportAccess | ReportAccessIfExistent | ReportAccessIfNonExistent | ReportDirectoryEnumerationAccess)
}

// Flags is the FAM-global bitset decoded from the flags and extra-flags
// blocks (spec section 6.3).
type Flags uint32

const (
	// FlagReportFileAccesses enables reporting for observed accesses globally.
	FlagReportFileAccesses Flags = 1 << iota
	// FlagBreakOnAccessDenied causes the host to break into a debugger on denial.
	FlagBreakOnAccessDenied
	// FlagFailUnexpectedFileAccesses treats denied accesses as fatal rather
	// than tolerated warnings.
	FlagFailUnexpectedFileAccesses
	// FlagDiagnosticMessagesEnabled enables verbose diagnostic messages.
	FlagDiagnosticMessagesEnabled
	// FlagIgnoreCodeCoverage disables special-case widening for code-coverage
	// auxiliary files.
	FlagIgnoreCodeCoverage
	// FlagReportProcessArgs includes command-line arguments on process reports.
	FlagReportProcessArgs
	// FlagLogProcessData enables process-data reporting.
	FlagLogProcessData
	// FlagLogProcessDetouringStatus enables process-detouring-status reporting.
	FlagLogProcessDetouringStatus
	// FlagCheckDetoursMessageCount enables host-side detours message accounting.
	FlagCheckDetoursMessageCount
	// FlagDisableDetours disables interception entirely for this pip.
	FlagDisableDetours
	// FlagHardExitOnErrorInDetours aborts the process on a detouring error.
	FlagHardExitOnErrorInDetours
	// FlagIgnorePreloadedDlls ignores accesses to dynamically preloaded DLLs.
	FlagIgnorePreloadedDlls
	// FlagOverrideAllowWriteForExistingFiles is the global counterpart to the
	// per-node OverrideAllowWriteForExistingFiles policy bit.
	FlagOverrideAllowWriteForExistingFiles
	// FlagReportAnyAccess causes every access, regardless of per-node policy,
	// to be reported.
	FlagReportAnyAccess
)

// Has reports whether all bits in mask are set in f.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// ExtraFlags carries secondary tuning conveyed by the FAM's extra-flags block.
type ExtraFlags uint32

const (
	// ExtraFlagUseLightTrie selects the compact trie representation for this
	// pip's policy (spec section 9, "Trie node polymorphism").
	ExtraFlagUseLightTrie ExtraFlags = 1 << iota
)

// Has reports whether all bits in mask are set in f.
func (f ExtraFlags) Has(mask ExtraFlags) bool {
	return f&mask == mask
}
