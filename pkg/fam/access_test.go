package fam

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/path"
)

func TestCheckReadAccessExistingAllowedInput(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: AllowRead, Valid: true}

	check := result.CheckReadAccess(OrdinaryRead, FileReadContext{Exists: true}, 0)

	require.Equal(t, Read, check.RequestedAccess)
	require.Equal(t, Allow, check.Result)
	require.Equal(t, Valid, check.PathValidity)
	require.Equal(t, Ignore, check.ReportLevel)
}

func TestCheckReadAccessReportsWhenGlobalFlagSet(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: AllowRead, Valid: true}

	check := result.CheckReadAccess(OrdinaryRead, FileReadContext{Exists: true}, FlagReportFileAccesses)

	require.Equal(t, Allow, check.Result)
	require.Equal(t, Report, check.ReportLevel)
}

func TestCheckWriteAccessDeniedFailuresFatal(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: 0, Valid: true}

	probe := func() (bool, bool) { return true, true }
	check := result.CheckWriteAccess(1, p.String(), nil, probe, FlagFailUnexpectedFileAccesses)

	require.Equal(t, Write, check.RequestedAccess)
	require.Equal(t, Deny, check.Result)
	require.Equal(t, Valid, check.PathValidity)
	require.Equal(t, Report, check.ReportLevel)
}

func TestCheckWriteAccessDeniedReportsExplicitWhenPolicyRequestsIt(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: ReportAccess, Valid: true}

	probe := func() (bool, bool) { return true, true }
	check := result.CheckWriteAccess(1, p.String(), nil, probe, FlagFailUnexpectedFileAccesses)

	require.Equal(t, Deny, check.Result)
	require.Equal(t, ReportExplicit, check.ReportLevel)
}

func TestCheckWriteAccessToleratesFailureWithoutFatalFlag(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: 0, Valid: true}

	probe := func() (bool, bool) { return true, true }
	check := result.CheckWriteAccess(1, p.String(), nil, probe, 0)

	require.Equal(t, Warn, check.Result)
}

func TestCheckReadAccessProbeOfNonexistentAllowsAndReportsExplicitOnlyWhenRequested(t *testing.T) {
	p := path.Canonicalize(`C:\gen\out.obj`)
	result := PolicyResult{Path: p, Policy: AllowRead | AllowReadIfNonexistent, Valid: true}

	check := result.CheckReadAccess(OrdinaryRead, FileReadContext{Exists: false}, 0)
	require.Equal(t, Allow, check.Result)
	require.Equal(t, Ignore, check.ReportLevel)

	resultExplicit := PolicyResult{
		Path:   p,
		Policy: AllowRead | AllowReadIfNonexistent | ReportAccessIfNonExistent,
		Valid:  true,
	}
	checkExplicit := resultExplicit.CheckReadAccess(OrdinaryRead, FileReadContext{Exists: false}, 0)
	require.Equal(t, Allow, checkExplicit.Result)
	require.Equal(t, ReportExplicit, checkExplicit.ReportLevel)
}

func TestCheckReadAccessIndeterminateOnInvalidPath(t *testing.T) {
	result := PolicyResult{Valid: false}
	check := result.CheckReadAccess(OrdinaryRead, FileReadContext{InvalidPath: true}, FlagFailUnexpectedFileAccesses)
	require.Equal(t, Allow, check.Result)
	require.Equal(t, Indeterminate, check.PathValidity)
}

func TestCheckWriteAccessIndeterminateWhenProbeFindsInvalidSyntax(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: 0, Valid: true}

	probe := func() (bool, bool) { return false, false }
	check := result.CheckWriteAccess(1, p.String(), nil, probe, FlagFailUnexpectedFileAccesses)
	require.Equal(t, Allow, check.Result)
	require.Equal(t, Indeterminate, check.PathValidity)
}

func TestCheckWriteAccessOverrideForcesSingleDeferredReportPerProcessPath(t *testing.T) {
	p := path.Canonicalize(`C:\src\a.h`)
	result := PolicyResult{Path: p, Policy: AllowWrite | OverrideAllowWriteForExistingFiles, Valid: true}
	reports := NewExistingFileWriteReports()

	first := result.CheckWriteAccess(7, p.String(), reports, nil, 0)
	require.Equal(t, Allow, first.Result)
	require.Equal(t, ReportExplicit, first.ReportLevel)

	second := result.CheckWriteAccess(7, p.String(), reports, nil, 0)
	require.Equal(t, Allow, second.Result)
	require.Equal(t, Ignore, second.ReportLevel)

	// A different process observing the same path gets its own deferred
	// report, since the override is scoped per observing process.
	otherProcess := result.CheckWriteAccess(8, p.String(), reports, nil, 0)
	require.Equal(t, ReportExplicit, otherProcess.ReportLevel)
}

func TestCheckDirectoryAccessUnconditionalAllowWithoutCreation(t *testing.T) {
	p := path.Canonicalize(`C:\src`)
	result := PolicyResult{Path: p, Policy: 0, Valid: true}

	check := result.CheckDirectoryAccess(false, nil, FlagFailUnexpectedFileAccesses)
	require.Equal(t, Allow, check.Result)
}

func TestCheckDirectoryAccessEnforcesCreationPolicy(t *testing.T) {
	p := path.Canonicalize(`C:\src\newdir`)
	result := PolicyResult{Path: p, Policy: 0, Valid: true}

	probe := func() (bool, bool) { return true, true }
	check := result.CheckDirectoryAccess(true, probe, FlagFailUnexpectedFileAccesses)
	require.Equal(t, Deny, check.Result)

	allowed := PolicyResult{Path: p, Policy: AllowCreateDirectory, Valid: true}
	allowedCheck := allowed.CheckDirectoryAccess(true, probe, FlagFailUnexpectedFileAccesses)
	require.Equal(t, Allow, allowedCheck.Result)
}
