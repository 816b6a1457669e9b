package statekv

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/hupe1980/statekv/engine"
)

// errCursorReleased is yielded when a scan's native cursor was released by
// cancellation of the enclosing unit of work.
var errCursorReleased = errors.New("scan cursor released by cancellation")

// Iterator returns a lazy, finite sequence over all visible key-value pairs
// in ascending key order, merging staged writes over committed data. The
// sequence is not restartable; call Iterator again to re-scan.
//
// The native cursor is released when the sequence ends, and exactly once even
// if ctx is cancelled mid-scan.
func (s *Store) Iterator(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		start := time.Now()
		defer func() { s.collector.record(OpIterator, time.Since(start)) }()

		s.mu.Lock()
		if err := s.requireLoadedLocked(); err != nil {
			s.mu.Unlock()
			yield(Entry{}, err)
			return
		}
		it, err := s.eng.NewIter(nil, nil)
		s.mu.Unlock()
		if err != nil {
			yield(Entry{}, err)
			return
		}

		cur := &guardedCursor{it: it}
		stop := context.AfterFunc(ctx, func() { cur.close(s.logger) })
		defer stop()
		defer cur.close(s.logger)

		s.mergeScan(ctx, cur, nil, nil, yield)
	}
}

// PrefixScan returns a lazy sequence over visible key-value pairs whose
// leading bytes equal prefix, in ascending key order.
//
// The scan cursor is cached per owner and repositioned on each call rather
// than recreated; it lives until Commit, Rollback, Close, or cancellation of
// a scan in flight.
func (s *Store) PrefixScan(ctx context.Context, prefix []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		start := time.Now()
		defer func() { s.collector.record(OpPrefixScan, time.Since(start)) }()

		owner := s.owner(ctx)
		var lower []byte
		if len(prefix) > 0 {
			lower = bytes.Clone(prefix)
		}
		upper := engine.PrefixUpperBound(prefix)

		s.mu.Lock()
		if err := s.requireLoadedLocked(); err != nil {
			s.mu.Unlock()
			yield(Entry{}, err)
			return
		}
		it, ok := s.scanCursors[owner]
		if !ok {
			var err error
			it, err = s.eng.NewIter(nil, nil)
			if err != nil {
				s.mu.Unlock()
				yield(Entry{}, err)
				return
			}
			s.scanCursors[owner] = it
		}
		s.mu.Unlock()

		it.SetBounds(lower, upper)

		cur := &guardedCursor{it: it}
		stop := context.AfterFunc(ctx, func() {
			// Cancellation releases this cursor only; a later scan by the
			// same owner starts a fresh one.
			s.mu.Lock()
			if s.scanCursors[owner] == it {
				delete(s.scanCursors, owner)
			}
			s.mu.Unlock()
			cur.close(s.logger)
		})
		defer stop()

		s.mergeScan(ctx, cur, lower, upper, yield)
	}
}

// mergeScan yields the overlay merged over the engine cursor within
// [lower, upper), ascending. Tombstones mask committed values. The overlay
// side is re-fetched per step, so its O(log n) lookup rides on the staged
// batch being small relative to committed state.
func (s *Store) mergeScan(ctx context.Context, cur *guardedCursor, lower, upper []byte, yield func(Entry, error) bool) {
	var engOK bool
	if lower == nil {
		engOK = cur.first()
	} else {
		engOK = cur.seekGE(lower)
	}
	ovKey, ovVal, ovTomb, ovOK := s.overlayCeil(lower, false)

	for {
		if err := ctx.Err(); err != nil {
			yield(Entry{}, err)
			return
		}
		if cur.isClosed() {
			yield(Entry{}, errCursorReleased)
			return
		}

		if ovOK && upper != nil && bytes.Compare(ovKey, upper) >= 0 {
			ovOK = false
		}
		if !engOK && !ovOK {
			if err := cur.err(); err != nil {
				yield(Entry{}, err)
			}
			return
		}

		var engKey, engVal []byte
		if engOK {
			var ok bool
			// One guarded call, so a cancellation hook cannot release the
			// cursor between reading the key and reading the value.
			if engKey, engVal, ok = cur.entry(); !ok {
				yield(Entry{}, errCursorReleased)
				return
			}
		}

		var cmp int
		switch {
		case !engOK:
			cmp = 1 // only overlay left
		case !ovOK:
			cmp = -1 // only engine left
		default:
			cmp = bytes.Compare(engKey, ovKey)
		}

		switch {
		case cmp < 0:
			if !yield(Entry{Key: engKey, Value: engVal}, nil) {
				return
			}
			engOK = cur.next()

		case cmp > 0:
			if !ovTomb {
				if !yield(Entry{Key: ovKey, Value: ovVal}, nil) {
					return
				}
			}
			ovKey, ovVal, ovTomb, ovOK = s.overlayCeil(ovKey, true)

		default:
			// Same key on both sides: the staged write shadows the
			// committed value.
			if !ovTomb {
				if !yield(Entry{Key: ovKey, Value: ovVal}, nil) {
					return
				}
			}
			engOK = cur.next()
			ovKey, ovVal, ovTomb, ovOK = s.overlayCeil(ovKey, true)
		}
	}
}

// overlayCeil returns the first staged operation with key >= pivot, or
// key > pivot when exclusive. A nil pivot starts at the first staged key.
// Returned slices are copies.
func (s *Store) overlayCeil(pivot []byte, exclusive bool) (key, val []byte, tomb, ok bool) {
	walk := func(k, v []byte, t bool) bool {
		if exclusive && bytes.Equal(k, pivot) {
			return true
		}
		key = bytes.Clone(k)
		val = bytes.Clone(v)
		tomb = t
		ok = true
		return false
	}
	if pivot == nil {
		s.ov.Ascend(walk)
	} else {
		s.ov.AscendGreaterOrEqual(pivot, walk)
	}
	return key, val, tomb, ok
}

// guardedCursor serializes scan positioning against the cancellation hook so
// the native cursor is released exactly once and never used after release.
type guardedCursor struct {
	mu     sync.Mutex
	closed bool
	it     *engine.Iterator
}

func (c *guardedCursor) close(logger *Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.it.Close(); err != nil {
		logger.LogCleanupWarning(context.Background(), "scan cursor", err)
	}
}

func (c *guardedCursor) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *guardedCursor) first() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.it.First()
}

func (c *guardedCursor) seekGE(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.it.SeekGE(key)
}

func (c *guardedCursor) next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.it.Next()
}

// entry returns copies of the current key and value, or ok=false when the
// cursor has been released or is no longer positioned on a key.
func (c *guardedCursor) entry() (key, value []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.it.Valid() {
		return nil, nil, false
	}
	return bytes.Clone(c.it.Key()), bytes.Clone(c.it.Value()), true
}

func (c *guardedCursor) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.it.Error()
}
