package fam

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/buildxl/sandboxcore/pkg/path"
)

// widenPattern is a single special-case widening rule (spec section 4.2):
// a glob matched against the final path component, optionally restricted to
// a path type, that unconditionally grants AllowAll when it matches. These
// rules never narrow an already-granted policy.
type widenPattern struct {
	name    string
	glob    string
	typ     *path.Type // nil means "any type"
	onlyIf  func(o SpecialCaseOptions) bool
}

// SpecialCaseOptions gates special-case rules that depend on FAM-global
// configuration rather than being unconditionally active.
type SpecialCaseOptions struct {
	// CodeCoverageEnabled activates the code-coverage auxiliary widening
	// rule; it mirrors the FAM's !FlagIgnoreCodeCoverage state.
	CodeCoverageEnabled bool
}

func localDeviceType() *path.Type {
	t := path.TypeLocalDevice
	return &t
}

// specialCasePatterns match the transient temp files that specific
// well-known compilers create and delete alongside their real inputs/outputs,
// which would otherwise spuriously trip "file created outside declared
// outputs" policy. Patterns are deliberately conservative globs on the final
// path component only.
var specialCasePatterns = []widenPattern{
	{name: "cl-temp-obj", glob: "_CL_*"},
	{name: "cl-temp-misc", glob: "~CR*.tmp"},
	{name: "pdb-sibling", glob: "*.pdb"},
	{name: "link-temp", glob: "lnk{*}.tmp"},
	{name: "named-stream", glob: "*:*"},
	{name: "local-device-non-root", glob: "*", typ: localDeviceType()},
	{
		name:   "code-coverage-aux",
		glob:   "*.pgc",
		onlyIf: func(o SpecialCaseOptions) bool { return o.CodeCoverageEnabled },
	},
	{
		name:   "code-coverage-aux-instr",
		glob:   "*.pgd",
		onlyIf: func(o SpecialCaseOptions) bool { return o.CodeCoverageEnabled },
	},
}

// applySpecialCases widens policy to AllowAll when p's final component and
// type match one of the known benign patterns. It never narrows policy.
func applySpecialCases(p path.Path, policy Policy, opts SpecialCaseOptions) Policy {
	// Only a path with an empty last component is skipped. The blanket
	// local-device rule matches every other local-device path; a
	// local-device drive root such as `\\.\C:` is not excluded from it.
	last := p.GetLastComponent()
	if last == "" {
		return policy
	}

	for _, rule := range specialCasePatterns {
		if rule.typ != nil && *rule.typ != p.Type() {
			continue
		}
		if rule.onlyIf != nil && !rule.onlyIf(opts) {
			continue
		}
		if matched, _ := doublestar.Match(rule.glob, last); matched {
			return policy.With(AllowAll)
		}
	}
	return policy
}
