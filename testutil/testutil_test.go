package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42)
	b := NewRNG(42)

	assert.Equal(t, a.KVPairs(100, 8, 16), b.KVPairs(100, 8, 16))

	a.Reset()
	first := a.Uint64()
	a.Reset()
	assert.Equal(t, first, a.Uint64())
}

func TestKVPairsUniqueKeys(t *testing.T) {
	rng := NewRNG(1)

	pairs := rng.KVPairs(500, 4, 8)
	require.Len(t, pairs, 500)

	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		require.Len(t, p.Key, 4)
		require.Len(t, p.Value, 8)
		_, dup := seen[string(p.Key)]
		require.False(t, dup, "duplicate key %x", p.Key)
		seen[string(p.Key)] = struct{}{}
	}
}

func TestPrefixedKVPairs(t *testing.T) {
	rng := NewRNG(7)

	pairs := rng.PrefixedKVPairs(30, 3, 8)
	require.Len(t, pairs, 30)

	counts := make(map[string]int)
	for _, p := range pairs {
		counts[string(p.Key[:4])]++
	}
	assert.Len(t, counts, 3)
	for prefix, n := range counts {
		assert.Equal(t, 10, n, "prefix %s", prefix)
	}
}

func TestZipfSkew(t *testing.T) {
	rng := NewRNG(99)

	keys := rng.ZipfKeys(10000, 100, 1.5)

	var rankZero int
	for _, k := range keys {
		require.GreaterOrEqual(t, k, 0)
		require.Less(t, k, 100)
		if k == 0 {
			rankZero++
		}
	}
	// With s=1.5 the top rank dominates.
	assert.Greater(t, rankZero, 1000)
}

func TestZipfDegenerate(t *testing.T) {
	rng := NewRNG(3)

	assert.Equal(t, 0, rng.Zipf(0, 1.0))
	assert.Equal(t, 0, rng.Zipf(1, 1.0))
}
