// Package overlay implements the uncommitted write overlay of a state store:
// an ordered, deduplicating set of staged put/delete operations layered over
// the committed contents of an embedded storage engine.
//
// The overlay is not safe for concurrent use; the state store's acquisition
// discipline guarantees a single writer.
package overlay

import (
	"bytes"

	"github.com/google/btree"
)

// degree is the btree branching factor. 16 keeps nodes cache-friendly for
// the small-to-medium batches a single processing step stages.
const degree = 16

type entry struct {
	key       []byte
	value     []byte
	tombstone bool
}

// Overlay stages pending writes in key order. The last write for a key wins.
// A staged delete is kept as a tombstone so it can mask a committed value
// until the overlay is applied.
type Overlay struct {
	tree *btree.BTreeG[*entry]
}

// New creates an empty overlay.
func New() *Overlay {
	return &Overlay{
		tree: btree.NewG(degree, func(a, b *entry) bool {
			return bytes.Compare(a.key, b.key) < 0
		}),
	}
}

// Put stages a value for key, replacing any previously staged write.
// Key and value are copied; the caller may reuse its buffers.
func (o *Overlay) Put(key, value []byte) {
	o.tree.ReplaceOrInsert(&entry{
		key:   bytes.Clone(key),
		value: bytes.Clone(value),
	})
}

// Delete stages a tombstone for key, replacing any previously staged write.
func (o *Overlay) Delete(key []byte) {
	o.tree.ReplaceOrInsert(&entry{
		key:       bytes.Clone(key),
		tombstone: true,
	})
}

// Get reports the staged state of key. ok is false when the overlay holds
// nothing for the key and the caller must fall through to the engine.
// When ok is true and tombstone is true, the key is staged as deleted.
func (o *Overlay) Get(key []byte) (value []byte, tombstone, ok bool) {
	e, found := o.tree.Get(&entry{key: key})
	if !found {
		return nil, false, false
	}
	return e.value, e.tombstone, true
}

// Len returns the number of staged operations (puts and tombstones).
func (o *Overlay) Len() int {
	return o.tree.Len()
}

// Clear discards all staged operations. The overlay is reused across
// load/commit/rollback cycles; Clear keeps the btree's freelist so the
// next batch does not reallocate nodes.
func (o *Overlay) Clear() {
	o.tree.Clear(true)
}

// AscendGreaterOrEqual walks staged operations with key >= from in ascending
// key order, including tombstones. Iteration stops when fn returns false.
// The key and value slices must not be retained past the callback.
func (o *Overlay) AscendGreaterOrEqual(from []byte, fn func(key, value []byte, tombstone bool) bool) {
	o.tree.AscendGreaterOrEqual(&entry{key: from}, func(e *entry) bool {
		return fn(e.key, e.value, e.tombstone)
	})
}

// Ascend walks all staged operations in ascending key order.
func (o *Overlay) Ascend(fn func(key, value []byte, tombstone bool) bool) {
	o.tree.Ascend(func(e *entry) bool {
		return fn(e.key, e.value, e.tombstone)
	})
}
