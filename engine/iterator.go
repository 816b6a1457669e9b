package engine

import (
	"bytes"

	"github.com/cockroachdb/pebble"
)

// Iterator is an ordered cursor over the engine's committed key space. It is
// a native resource: every iterator must be closed exactly once, on every
// exit path, or table references leak.
type Iterator struct {
	it *pebble.Iterator
}

// NewIter opens a cursor over [lower, upper). Nil bounds are unbounded.
func (h *Handle) NewIter(lower, upper []byte) (*Iterator, error) {
	it, err := h.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// First positions at the first key. Returns false when empty.
func (i *Iterator) First() bool { return i.it.First() }

// Next advances to the next key. Returns false when exhausted.
func (i *Iterator) Next() bool { return i.it.Next() }

// SeekGE repositions at the first key >= key.
func (i *Iterator) SeekGE(key []byte) bool { return i.it.SeekGE(key) }

// SetBounds narrows the cursor to [lower, upper) and invalidates its
// position; reposition with SeekGE before reading.
func (i *Iterator) SetBounds(lower, upper []byte) { i.it.SetBounds(lower, upper) }

// Valid reports whether the cursor is positioned on a key.
func (i *Iterator) Valid() bool { return i.it.Valid() }

// Key returns the current key. Valid only until the next positioning call.
func (i *Iterator) Key() []byte { return i.it.Key() }

// Value returns the current value. Valid only until the next positioning
// call.
func (i *Iterator) Value() []byte { return i.it.Value() }

// Error returns the first error hit during iteration.
func (i *Iterator) Error() error { return i.it.Error() }

// Close releases the cursor.
func (i *Iterator) Close() error { return i.it.Close() }

// PrefixUpperBound returns the tightest exclusive upper bound covering all
// keys that start with prefix, or nil when no finite bound exists (a prefix
// of all 0xff bytes).
func PrefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
