// Package cache implements the per-pip, per-path access cache that
// suppresses redundant access reports within a single pip (spec section
// 4.4). A CacheRecord's bitset is monotonic and closed under the
// Write→Read→Probe→Lookup implication, so that two requests differing only
// in implied accesses are never both reported (spec section 4.4,
// "Algorithmic notes").
package cache

import (
	"sync/atomic"

	"github.com/buildxl/sandboxcore/pkg/fam"
)

// AccessMask is a bitset over fam.RequestedAccess kinds.
type AccessMask uint32

const (
	bitLookup AccessMask = 1 << iota
	bitProbe
	bitRead
	bitWrite
)

func maskFor(access fam.RequestedAccess) AccessMask {
	switch access {
	case fam.Lookup:
		return bitLookup
	case fam.Probe:
		return bitProbe
	case fam.Read:
		return bitRead
	case fam.Write:
		return bitWrite
	default:
		return 0
	}
}

// closure expands mask to include every bit implied by the bits already set:
// Write implies Read, Probe and Lookup; Read implies Probe and Lookup; Probe
// implies Lookup.
func closure(mask AccessMask) AccessMask {
	if mask&bitWrite != 0 {
		mask |= bitRead | bitProbe | bitLookup
	}
	if mask&bitRead != 0 {
		mask |= bitProbe | bitLookup
	}
	if mask&bitProbe != 0 {
		mask |= bitLookup
	}
	return mask
}

// CacheRecord is a per-path record of which access kinds have already been
// observed for a given pip. Its zero value is ready to use. All methods are
// safe for concurrent use; bit updates are serialized per record via
// compare-and-swap so that of several producers observing the same path
// concurrently, exactly one reports and the rest see a hit (spec section
// 4.6, "Ordering guarantees" (b)).
type CacheRecord struct {
	bits uint32
}

// CheckAndUpdate atomically tests whether the record already subsumes
// access and, if not, unions the implied bit set in. It returns true on a
// hit (the record already covered access) and false on a miss (this call
// performed the update and the caller is the one that should report).
func (r *CacheRecord) CheckAndUpdate(access fam.RequestedAccess) bool {
	want := maskFor(access)
	for {
		cur := AccessMask(atomic.LoadUint32(&r.bits))
		if cur&want == want {
			return true
		}
		next := closure(cur | want)
		if atomic.CompareAndSwapUint32(&r.bits, uint32(cur), uint32(next)) {
			return false
		}
	}
}

// Covers reports whether the record's current bits subsume access, without
// mutating it. Used by the report consumer to decide coalescing (spec
// section 4.5).
func (r *CacheRecord) Covers(access fam.RequestedAccess) bool {
	want := maskFor(access)
	cur := AccessMask(atomic.LoadUint32(&r.bits))
	return cur&want == want
}

// Bits returns the record's current access bitset, for diagnostics and
// testing.
func (r *CacheRecord) Bits() AccessMask {
	return AccessMask(atomic.LoadUint32(&r.bits))
}
