package statekv

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/statekv/blobstore"
	"github.com/hupe1980/statekv/engine"
	"github.com/hupe1980/statekv/overlay"
)

func collectEntries(t *testing.T, seq iter.Seq2[Entry, error]) []Entry {
	t.Helper()

	var out []Entry
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func entryKeys(entries []Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, string(e.Key))
	}
	return keys
}

func TestIteratorMergesOverlayOverCommitted(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("b"), []byte("committed-b"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("d"), []byte("committed-d"))
	require.NoError(t, err)
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	_, err = s.Load(ctx, 1)
	require.NoError(t, err)

	// Stage a new key before, an overwrite of, a new key between and a
	// delete of the committed keys.
	_, _, err = s.Put(ctx, []byte("a"), []byte("staged-a"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("b"), []byte("staged-b"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("c"), []byte("staged-c"))
	require.NoError(t, err)
	_, _, err = s.Remove(ctx, []byte("d"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("e"), []byte("staged-e"))
	require.NoError(t, err)

	entries := collectEntries(t, s.Iterator(ctx))

	assert.Equal(t, []string{"a", "b", "c", "e"}, entryKeys(entries))
	assert.Equal(t, []byte("staged-b"), entries[1].Value)
	assert.Equal(t, []byte("staged-a"), entries[0].Value)
}

func TestIteratorCommittedOnly(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)
	for _, k := range []string{"x", "m", "a"} {
		_, _, err = s.Put(ctx, []byte(k), []byte("v-"+k))
		require.NoError(t, err)
	}
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	_, err = s.Load(ctx, 1)
	require.NoError(t, err)

	entries := collectEntries(t, s.Iterator(ctx))
	assert.Equal(t, []string{"a", "m", "x"}, entryKeys(entries))
}

func TestIteratorEarlyBreak(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, _, err = s.Put(ctx, []byte(k), []byte("v"))
		require.NoError(t, err)
	}

	var seen int
	for _, err := range s.Iterator(ctx) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	// The store stays fully usable after an abandoned scan.
	_, err = s.Get(ctx, []byte("b"))
	require.NoError(t, err)
}

func TestIteratorRequiresLoadedVersion(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	var got error
	for _, err := range s.Iterator(ctx) {
		got = err
		break
	}
	require.ErrorIs(t, got, ErrNoVersionLoaded)
}

func TestIteratorCancelledContext(t *testing.T) {
	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(context.Background(), 0)
	require.NoError(t, err)
	_, _, err = s.Put(context.Background(), []byte("a"), []byte("1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got error
	for _, err := range s.Iterator(ctx) {
		got = err
		break
	}
	require.ErrorIs(t, got, context.Canceled)

	// Cancellation released only that scan's cursor.
	entries := collectEntries(t, s.Iterator(context.Background()))
	assert.Len(t, entries, 1)
}

func TestPrefixScan(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)
	for _, k := range []string{"app/1", "app/2", "apq/1", "b/1"} {
		_, _, err = s.Put(ctx, []byte(k), []byte("v-"+k))
		require.NoError(t, err)
	}
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	_, err = s.Load(ctx, 1)
	require.NoError(t, err)

	// One staged key inside the prefix, one staged delete inside it.
	_, _, err = s.Put(ctx, []byte("app/0"), []byte("staged"))
	require.NoError(t, err)
	_, _, err = s.Remove(ctx, []byte("app/2"))
	require.NoError(t, err)

	entries := collectEntries(t, s.PrefixScan(ctx, []byte("app/")))
	assert.Equal(t, []string{"app/0", "app/1"}, entryKeys(entries))

	// The cached cursor is repositioned for a different prefix.
	entries = collectEntries(t, s.PrefixScan(ctx, []byte("b/")))
	assert.Equal(t, []string{"b/1"}, entryKeys(entries))

	// Repeated scans under the same owner reuse one cursor.
	entries = collectEntries(t, s.PrefixScan(ctx, []byte("app/")))
	assert.Equal(t, []string{"app/0", "app/1"}, entryKeys(entries))
}

func TestPrefixScanEmptyPrefix(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("b"), []byte("2"))
	require.NoError(t, err)

	entries := collectEntries(t, s.PrefixScan(ctx, nil))
	assert.Equal(t, []string{"a", "b"}, entryKeys(entries))
}

func TestPrefixScanDistinctOwners(t *testing.T) {
	s := newTestStore(t, blobstore.NewMemoryStore())

	ctxA := WithOwner(context.Background(), "task-a")

	_, err := s.Load(ctxA, 0)
	require.NoError(t, err)
	_, _, err = s.Put(ctxA, []byte("p/1"), []byte("x"))
	require.NoError(t, err)

	// Reads by other owners are allowed; each gets its own cached cursor.
	ctxB := WithOwner(context.Background(), "task-b")
	entries := collectEntries(t, s.PrefixScan(ctxB, []byte("p/")))
	assert.Equal(t, []string{"p/1"}, entryKeys(entries))

	entries = collectEntries(t, s.PrefixScan(ctxA, []byte("p/")))
	assert.Equal(t, []string{"p/1"}, entryKeys(entries))

	_, err = s.Commit(ctxA)
	require.NoError(t, err)
}

func TestPrefixUpperBoundaryKeys(t *testing.T) {
	ctx := context.Background()

	s := newTestStore(t, blobstore.NewMemoryStore())

	_, err := s.Load(ctx, 0)
	require.NoError(t, err)

	// 0xff tails stress the exclusive upper bound computation.
	keys := [][]byte{
		{0x01},
		{0x01, 0xff},
		{0x02},
	}
	for _, k := range keys {
		_, _, err = s.Put(ctx, k, []byte("v"))
		require.NoError(t, err)
	}

	entries := collectEntries(t, s.PrefixScan(ctx, []byte{0x01}))
	require.Len(t, entries, 2)
	assert.Equal(t, []byte{0x01}, entries[0].Key)
	assert.Equal(t, []byte{0x01, 0xff}, entries[1].Key)
}

func TestScanCursorSafeAfterRelease(t *testing.T) {
	h, err := engine.Open(engine.Config{
		Dir:              t.TempDir(),
		BlockSizeKB:      4,
		BlockCacheSizeMB: 8,
		Logger:           NoopLogger().Logger,
	})
	require.NoError(t, err)
	defer h.Close()

	ov := overlay.New()
	ov.Put([]byte("k"), []byte("v"))
	require.NoError(t, h.Apply(ov))

	it, err := h.NewIter(nil, nil)
	require.NoError(t, err)

	cur := &guardedCursor{it: it}
	require.True(t, cur.first())

	key, value, ok := cur.entry()
	require.True(t, ok)
	assert.Equal(t, []byte("k"), key)
	assert.Equal(t, []byte("v"), value)

	cur.close(NoopLogger())
	require.True(t, cur.isClosed())

	// After release every accessor degrades instead of touching the native
	// cursor, and entry never hands out a key without its value.
	_, _, ok = cur.entry()
	require.False(t, ok)
	require.False(t, cur.next())
	require.False(t, cur.first())
	require.NoError(t, cur.err())

	// Releasing twice is a no-op.
	cur.close(NoopLogger())
}
