package filemanager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hupe1980/statekv/blobstore"
	"github.com/stretchr/testify/require"
)

func writeLocal(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func readLocal(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "sst-one")
	writeLocal(t, src, "000002.sst", "sst-two")
	writeLocal(t, src, "MANIFEST-000001", "engine manifest")
	writeLocal(t, src, "OPTIONS-000003", "engine options")

	res, err := m.SaveCheckpoint(ctx, src, 1, 42)
	require.NoError(t, err)
	require.EqualValues(t, 4, res.FilesCopied)
	require.EqualValues(t, 0, res.FilesReused)
	require.Greater(t, res.BytesCopied, int64(0))

	dest := t.TempDir()
	numKeys, err := New(store).LoadCheckpoint(ctx, 1, dest)
	require.NoError(t, err)
	require.EqualValues(t, 42, numKeys)

	require.Equal(t, "sst-one", readLocal(t, dest, "000001.sst"))
	require.Equal(t, "sst-two", readLocal(t, dest, "000002.sst"))
	require.Equal(t, "engine manifest", readLocal(t, dest, "MANIFEST-000001"))
	require.Equal(t, "engine options", readLocal(t, dest, "OPTIONS-000003"))
}

func TestLoadReplacesStaleContents(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "fresh")
	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.NoError(t, err)

	dest := t.TempDir()
	writeLocal(t, dest, "junk.sst", "stale")
	writeLocal(t, dest, "LOG", "stale log")

	_, err = New(store).LoadCheckpoint(ctx, 1, dest)
	require.NoError(t, err)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Equal(t, []string{"000001.sst"}, names)
}

func TestSSTReuseAcrossVersions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "immutable-one")
	writeLocal(t, src, "CURRENT", "v1")

	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.NoError(t, err)
	uploaded := store.Len()

	// Next version keeps the table file, adds another.
	writeLocal(t, src, "000002.sst", "immutable-two")
	writeLocal(t, src, "CURRENT", "v2")

	res, err := m.SaveCheckpoint(ctx, src, 2, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.FilesReused)
	require.EqualValues(t, 2, res.FilesCopied) // new sst + CURRENT

	// The reused table file was not uploaded again: exactly one new sst, one
	// new aux blob, one new manifest.
	require.Equal(t, uploaded+3, store.Len())

	// Both versions load correctly.
	dest := t.TempDir()
	numKeys, err := New(store).LoadCheckpoint(ctx, 2, dest)
	require.NoError(t, err)
	require.EqualValues(t, 2, numKeys)
	require.Equal(t, "immutable-one", readLocal(t, dest, "000001.sst"))
	require.Equal(t, "immutable-two", readLocal(t, dest, "000002.sst"))
}

func TestLoadVersionZeroEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(blobstore.NewMemoryStore())

	dest := t.TempDir()
	writeLocal(t, dest, "leftover.sst", "x")

	numKeys, err := m.LoadCheckpoint(ctx, 0, dest)
	require.NoError(t, err)
	require.Zero(t, numKeys)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoadMissingVersion(t *testing.T) {
	ctx := context.Background()
	m := New(blobstore.NewMemoryStore())

	_, err := m.LoadCheckpoint(ctx, 3, t.TempDir())
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestLatestVersion(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	latest, err := m.LatestVersion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, -1, latest)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "a")
	for v := int64(1); v <= 3; v++ {
		_, err := m.SaveCheckpoint(ctx, src, v, v)
		require.NoError(t, err)
	}

	latest, err = m.LatestVersion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, latest)
}

func TestDeleteOldVersions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "shared")
	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.NoError(t, err)

	writeLocal(t, src, "000002.sst", "second")
	_, err = m.SaveCheckpoint(ctx, src, 2, 2)
	require.NoError(t, err)

	writeLocal(t, src, "000003.sst", "third")
	_, err = m.SaveCheckpoint(ctx, src, 3, 3)
	require.NoError(t, err)

	require.NoError(t, m.DeleteOldVersions(ctx, 2))

	// Version 1 is gone.
	_, err = New(store).LoadCheckpoint(ctx, 1, t.TempDir())
	require.ErrorIs(t, err, ErrVersionNotFound)

	// Retained versions still load; the shared table file survived because
	// versions 2 and 3 still reference it.
	dest := t.TempDir()
	_, err = New(store).LoadCheckpoint(ctx, 2, dest)
	require.NoError(t, err)
	require.Equal(t, "shared", readLocal(t, dest, "000001.sst"))

	_, err = New(store).LoadCheckpoint(ctx, 3, t.TempDir())
	require.NoError(t, err)
}

func TestDeleteOldVersionsRetainsAll(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "a")
	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.NoError(t, err)

	before := store.Len()
	require.NoError(t, m.DeleteOldVersions(ctx, 5))
	require.Equal(t, before, store.Len())
}

// failingStore fails Put calls whose name matches a substring.
type failingStore struct {
	blobstore.Store
	failSubstring string
}

func (s *failingStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if strings.Contains(name, s.failSubstring) {
		return fmt.Errorf("injected failure for %s", name)
	}
	return s.Store.Put(ctx, name, r, size)
}

func TestSaveFailurePropagates(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: blobstore.NewMemoryStore(), failSubstring: "ssts/"}
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "a")

	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.Error(t, err)
	require.ErrorContains(t, err, "injected failure")

	// No manifest was committed for the failed version.
	latest, err := m.LatestVersion(ctx)
	require.NoError(t, err)
	require.EqualValues(t, -1, latest)
}

func TestManifestCommitIsLastWrite(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: blobstore.NewMemoryStore(), failSubstring: "versions/"}
	m := New(store)

	src := t.TempDir()
	writeLocal(t, src, "000001.sst", "a")

	_, err := m.SaveCheckpoint(ctx, src, 1, 1)
	require.Error(t, err)

	// Data blobs may exist, but without a manifest the version is invisible.
	_, err = New(store.Store.(*blobstore.MemoryStore)).LoadCheckpoint(ctx, 1, t.TempDir())
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestParseManifestName(t *testing.T) {
	v, ok := parseManifestName("versions/12.json.zst")
	require.True(t, ok)
	require.EqualValues(t, 12, v)

	_, ok = parseManifestName("versions/garbage")
	require.False(t, ok)

	_, ok = parseManifestName("ssts/abc.sst")
	require.False(t, ok)
}
