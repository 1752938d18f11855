package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildxl/sandboxcore/pkg/fam"
)

func TestCheckAndUpdateMissThenHit(t *testing.T) {
	r := &CacheRecord{}

	miss := r.CheckAndUpdate(fam.Read)
	require.False(t, miss, "first observation of an access kind must be a miss")

	hit := r.CheckAndUpdate(fam.Read)
	require.True(t, hit, "repeat observation of the same access kind must be a hit")
}

func TestCheckAndUpdateWriteImpliesReadProbeLookup(t *testing.T) {
	r := &CacheRecord{}
	r.CheckAndUpdate(fam.Write)

	require.True(t, r.Covers(fam.Read))
	require.True(t, r.Covers(fam.Probe))
	require.True(t, r.Covers(fam.Lookup))
	require.True(t, r.Covers(fam.Write))
}

func TestCheckAndUpdateReadImpliesProbeLookupNotWrite(t *testing.T) {
	r := &CacheRecord{}
	r.CheckAndUpdate(fam.Read)

	require.True(t, r.Covers(fam.Probe))
	require.True(t, r.Covers(fam.Lookup))
	require.False(t, r.Covers(fam.Write))
}

func TestCacheRecordBitsAreMonotonic(t *testing.T) {
	r := &CacheRecord{}
	r.CheckAndUpdate(fam.Lookup)
	before := r.Bits()

	r.CheckAndUpdate(fam.Lookup)
	require.Equal(t, before, r.Bits(), "observing an already-covered access must not change bits")

	r.CheckAndUpdate(fam.Write)
	after := r.Bits()
	require.Equal(t, after, before|after, "bits must only ever grow, never clear")
}

func TestCheckAndUpdateConcurrentProducersExactlyOneMisses(t *testing.T) {
	r := &CacheRecord{}
	const n = 64
	var wg sync.WaitGroup
	misses := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			misses[i] = !r.CheckAndUpdate(fam.Read)
		}(i)
	}
	wg.Wait()

	missCount := 0
	for _, m := range misses {
		if m {
			missCount++
		}
	}
	require.Equal(t, 1, missCount, "exactly one concurrent observer of the same path/access should report; the rest must see a hit")
}
