package fam

import (
	"github.com/buildxl/sandboxcore/pkg/path"
)

// Lookup canonicalizes raw and walks a fresh search (from the trie root)
// against it. Special-case widening rules (spec section 4.2) are applied
// before the result is returned. A path that cannot be canonicalized yields
// a PolicyResult with Valid=false (spec section 7, "IndeterminatePolicy").
func (f *FAM) Lookup(raw string, opts SpecialCaseOptions) PolicyResult {
	p := path.Canonicalize(raw)
	if p.IsNull() {
		return PolicyResult{Path: p, Valid: false}
	}
	cursor := f.Trie.Walk(f.Trie.RootCursor(), p.Components())
	policy := applySpecialCases(p, cursor.EffectivePolicy(), opts)
	return PolicyResult{Path: p, Policy: policy, Cursor: cursor, Valid: true}
}

// ExtendLookup resumes a previous lookup's search using its cursor as the
// starting point, walking only the newly appended suffix component(s)
// instead of re-walking the whole path from the root (spec section 4.2,
// "Cursors are re-entrant"). This is the common case during directory
// enumeration, where each child is looked up by extending the parent's
// already-resolved path and cursor.
func (f *FAM) ExtendLookup(prev PolicyResult, suffix string, opts SpecialCaseOptions) PolicyResult {
	if !prev.Valid {
		return prev
	}
	extended := prev.Path.Extend(suffix)
	// When the parent search already fell off the tree, there is no trie
	// structure left to find for any child: the parent's truncated cursor,
	// and the cone policy of the deepest node it reached, carry over as is.
	cursor := prev.Cursor
	if !prev.Cursor.SearchWasTruncated() {
		cursor = f.Trie.Walk(prev.Cursor, extended.Components()[len(prev.Path.Components()):])
	}
	policy := applySpecialCases(extended, cursor.EffectivePolicy(), opts)
	return PolicyResult{Path: extended, Policy: policy, Cursor: cursor, Valid: true}
}
