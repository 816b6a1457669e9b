package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// KV is one generated key-value pair.
type KV struct {
	Key   []byte
	Value []byte
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Bytes returns a pseudo-random byte slice of length n.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked(n)
}

// bytesLocked is the internal implementation (caller must hold lock).
func (r *RNG) bytesLocked(n int) []byte {
	b := make([]byte, n)
	r.rand.Read(b)
	return b
}

// KVPairs generates num pairs with unique random keys of keyLen bytes and
// values of valueLen bytes.
func (r *RNG) KVPairs(num, keyLen, valueLen int) []KV {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs := make([]KV, 0, num)
	seen := make(map[string]struct{}, num)

	for len(pairs) < num {
		key := r.bytesLocked(keyLen)
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		pairs = append(pairs, KV{Key: key, Value: r.bytesLocked(valueLen)})
	}

	return pairs
}

// PrefixedKVPairs generates num pairs under numPrefixes distinct key
// prefixes, round-robin. Keys look like "<prefix-i>/<random hex>".
func (r *RNG) PrefixedKVPairs(num, numPrefixes, valueLen int) []KV {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairs := make([]KV, num)
	for i := range num {
		key := fmt.Sprintf("p%03d/%016x", i%numPrefixes, r.rand.Uint64())
		pairs[i] = KV{Key: []byte(key), Value: r.bytesLocked(valueLen)}
	}

	return pairs
}

// SortedKeys returns the keys of pairs in ascending byte order, as strings.
func SortedKeys(pairs []KV) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = string(p.Key)
	}
	sort.Strings(keys)
	return keys
}

// Zipf returns a Zipfian-distributed value in [0, n) with skew s. s=1.0 is
// standard Zipf, larger values concentrate mass on the smallest ranks.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}

	return n - 1
}

// ZipfKeys generates num key indices over a keyspace of keyCount with
// Zipfian skew s. The result models a hot-key access pattern where a small
// share of keys receives most of the writes.
func (r *RNG) ZipfKeys(num, keyCount int, s float64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]int, num)
	for i := range num {
		keys[i] = r.zipfLocked(keyCount, s)
	}

	return keys
}
