// Package statekv provides a versioned, checkpointed, single-writer key-value
// state store for streaming query engines.
//
// A Store persists per-partition operator state across processing steps. Each
// step loads a version, stages writes against an uncommitted overlay, then
// either commits (durably advancing the version in remote storage) or rolls
// back. Committed versions are immutable snapshots of the full key space;
// unchanged table files are shared between versions in remote storage.
//
// # Quick Start
//
//	ctx := statekv.WithOwner(context.Background(), "task-3")
//	remote, err := blobstore.NewLocalStore("/dfs/state/query-7/part-3")
//	if err != nil {
//	    return err
//	}
//	store, err := statekv.New(remote, "/tmp/state/part-3")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if _, err := store.Load(ctx, 0); err != nil {
//	    return err
//	}
//	if _, _, err := store.Put(ctx, []byte("k"), []byte("v")); err != nil {
//	    return err
//	}
//	version, err := store.Commit(ctx)
//
// A Store is single-writer: at most one logical owner may mutate it at a
// time, enforced by an acquisition lock taken on Load and released by Commit,
// Rollback, or cancellation of the owner's context.
package statekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/statekv/blobstore"
	"github.com/hupe1980/statekv/engine"
	"github.com/hupe1980/statekv/filemanager"
	"github.com/hupe1980/statekv/lock"
	"github.com/hupe1980/statekv/overlay"
)

// noVersion is the sentinel for "nothing valid loaded".
const noVersion int64 = -1

// ErrNotAcquired is returned by Commit when the calling owner does not hold
// the store; Load acquires it.
var ErrNotAcquired = errors.New("store not acquired for an update")

// WithOwner tags ctx with the logical owner id of the enclosing task. All
// store calls from one unit of work should share the same owner id; see
// the acquisition rules on Load.
func WithOwner(ctx context.Context, id string) context.Context {
	return lock.WithOwner(ctx, id)
}

// Entry is one key-value pair yielded by Iterator and PrefixScan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Store is a versioned, checkpointed key-value state store. Keys and values
// are opaque byte sequences ordered byte-lexicographically.
//
// Apart from Metrics, a Store must only be used by the owner that loaded it;
// results of concurrent reads while a commit is mid-flight are undefined for
// everyone else.
type Store struct {
	opts   Options
	logger *Logger

	fm        *filemanager.Manager
	lk        *lock.Lock
	collector *collector

	// defaultOwner identifies untagged callers of this instance, so
	// sequential use without WithOwner stays reentrant.
	defaultOwner string

	localDir string
	workDir  string

	mu sync.Mutex
	// eng is an owned resource slot: nil means no open handle. It is taken,
	// closed and replaced, never aliased.
	eng              *engine.Handle
	tok              *lock.Token
	ov               *overlay.Overlay
	loadedVersion    int64
	numKeysCommitted int64
	numKeysWorking   int64
	// scanCursors caches one prefix-scan cursor per owner id.
	scanCursors map[string]*engine.Iterator
	lastCommit  CommitLatency
	lastSave    filemanager.SaveResult
	closed      bool
}

// New creates a Store that checkpoints to remote and keeps its working files
// under localDir. No version is loaded; call Load before reading or writing.
func New(remote blobstore.Store, localDir string, optFns ...func(*Options)) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = NoopLogger()
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, err
	}

	fm := filemanager.New(remote, func(o *filemanager.Options) {
		o.Parallelism = opts.UploadParallelism
		o.RateBytesPerSec = opts.TransferRateBytesPerSec
		o.Logger = logger.Logger
	})

	return &Store{
		opts:          opts,
		logger:        logger,
		fm:            fm,
		lk:            lock.New(opts.LockAcquireTimeout, 0),
		collector:     newCollector(),
		defaultOwner:  "store-" + uuid.NewString(),
		localDir:      localDir,
		workDir:       filepath.Join(localDir, "workdir"),
		ov:            overlay.New(),
		loadedVersion: noVersion,
		scanCursors:   make(map[string]*engine.Iterator),
	}, nil
}

func (s *Store) owner(ctx context.Context) string {
	if id := lock.OwnerFromContext(ctx); id != "" {
		return id
	}
	return s.defaultOwner
}

// Load acquires the store for the given version and makes it readable and
// writable, returning the store for chaining.
//
// Load blocks while a different owner holds the store, up to
// LockAcquireTimeout, and then fails with a *LockTimeoutError. Re-loading the
// version that is already loaded only discards staged writes. The acquisition
// is released by Commit, Rollback, or cancellation of ctx.
//
// On failure the loaded-version marker is invalidated, so a later Load must
// redo the full sequence; a half-initialized handle is never observable.
func (s *Store) Load(ctx context.Context, version int64) (*Store, error) {
	if version < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	tok, err := s.lk.Acquire(ctx, s.owner(ctx))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.lk.Release(tok)
		return nil, ErrClosed
	}
	s.tok = tok

	if version == s.loadedVersion && s.eng != nil {
		s.ov.Clear()
		s.numKeysWorking = s.numKeysCommitted
		return s, nil
	}

	if err := s.switchVersionLocked(ctx, version); err != nil {
		s.loadedVersion = noVersion
		s.logger.LogLoad(ctx, version, 0, err)
		return nil, &LoadError{Version: version, cause: err}
	}
	return s, nil
}

// switchVersionLocked closes the current handle, materializes the requested
// version and opens a fresh handle over it.
func (s *Store) switchVersionLocked(ctx context.Context, version int64) error {
	s.closeScanCursorsLocked(ctx)

	if s.eng != nil {
		eng := s.eng
		s.eng = nil
		if err := eng.Close(); err != nil {
			return err
		}
	}

	numKeys, err := s.fm.LoadCheckpoint(ctx, version, s.workDir)
	if err != nil {
		return err
	}

	eng, err := engine.Open(engine.Config{
		Dir:              s.workDir,
		BlockSizeKB:      s.opts.BlockSizeKB,
		BlockCacheSizeMB: s.opts.BlockCacheSizeMB,
		Logger:           s.logger.Logger,
	})
	if err != nil {
		return err
	}

	s.eng = eng
	s.ov.Clear()
	s.numKeysCommitted = numKeys
	s.numKeysWorking = numKeys
	s.loadedVersion = version
	s.logger.LogLoad(ctx, version, numKeys, nil)
	return nil
}

func (s *Store) requireLoadedLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.eng == nil || s.loadedVersion < 0 {
		return ErrNoVersionLoaded
	}
	return nil
}

// Get returns the visible value for key: the staged overlay value if present,
// otherwise the committed engine value, otherwise ErrNotFound.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	start := time.Now()
	defer func() { s.collector.record(OpGet, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoadedLocked(); err != nil {
		return nil, err
	}

	v, found, err := s.visibleLocked(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// visibleLocked resolves key through the overlay-over-engine read path
// without building a merged view.
func (s *Store) visibleLocked(key []byte) ([]byte, bool, error) {
	if v, tombstone, ok := s.ov.Get(key); ok {
		if tombstone {
			return nil, false, nil
		}
		return v, true, nil
	}
	v, err := s.eng.Get(key)
	if errors.Is(err, engine.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Put stages a value for key and returns the previously visible value, if
// any.
func (s *Store) Put(ctx context.Context, key, value []byte) ([]byte, bool, error) {
	start := time.Now()
	defer func() { s.collector.record(OpPut, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoadedLocked(); err != nil {
		return nil, false, err
	}

	prev, existed, err := s.visibleLocked(key)
	if err != nil {
		return nil, false, err
	}
	prev = bytes.Clone(prev)

	s.ov.Put(key, value)
	if !existed {
		s.numKeysWorking++
	}
	return prev, existed, nil
}

// Remove stages a delete for key if it has a visible value, returning that
// value. Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	defer func() { s.collector.record(OpRemove, time.Since(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoadedLocked(); err != nil {
		return nil, false, err
	}

	prev, existed, err := s.visibleLocked(key)
	if err != nil {
		return nil, false, err
	}
	if !existed {
		return nil, false, nil
	}
	prev = bytes.Clone(prev)

	s.ov.Delete(key)
	s.numKeysWorking--
	return prev, true, nil
}

// Commit durably advances the store to the next version and releases the
// acquisition. It applies the overlay as one atomic batch, flushes,
// optionally compacts, pauses background maintenance, checkpoints the engine
// files locally and hands the checkpoint to the file manager to sync as
// version loadedVersion+1.
//
// On failure the loaded-version marker is invalidated and a *CommitError
// is returned; background maintenance is resumed, the local scratch
// directory is deleted best-effort, and the acquisition is released
// regardless of outcome.
func (s *Store) Commit(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireLoadedLocked(); err != nil {
		return noVersion, err
	}
	// The caller must hold the acquisition right now. A token whose context
	// was cancelled has already been released by its completion hook, so a
	// stale s.tok alone is not enough.
	if s.tok == nil || !s.lk.HeldBy(s.owner(ctx)) {
		return noVersion, ErrNotAcquired
	}

	newVersion := s.loadedVersion + 1
	scratch := filepath.Join(s.localDir, "checkpoint")

	commitStart := time.Now()
	var cl CommitLatency

	defer func() {
		// Cleanup phase: always resume maintenance, drop the scratch
		// directory and release the acquisition, commit failed or not.
		if s.eng != nil {
			s.eng.Resume()
		}
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.LogCleanupWarning(ctx, "checkpoint scratch dir", err)
		}
		s.releaseLocked()
	}()

	fail := func(phase string, err error) (int64, error) {
		s.loadedVersion = noVersion
		cerr := &CommitError{Version: newVersion, Phase: phase, cause: err}
		s.logger.LogCommit(ctx, newVersion, time.Since(commitStart), cerr)
		return noVersion, cerr
	}

	phaseStart := time.Now()
	if err := s.eng.Apply(s.ov); err != nil {
		return fail("write", err)
	}
	cl.Write = time.Since(phaseStart)

	phaseStart = time.Now()
	if err := s.eng.Flush(); err != nil {
		return fail("flush", err)
	}
	cl.Flush = time.Since(phaseStart)

	if s.opts.CompactOnCommit {
		phaseStart = time.Now()
		if err := s.eng.CompactAll(); err != nil {
			return fail("compact", err)
		}
		cl.Compact = time.Since(phaseStart)
	}

	if s.opts.PauseBackgroundWorkForCommit {
		phaseStart = time.Now()
		if err := s.eng.Quiesce(ctx); err != nil {
			return fail("pause", err)
		}
		cl.Pause = time.Since(phaseStart)
	}

	phaseStart = time.Now()
	// The scratch directory is recreated from nothing on every attempt so a
	// failed commit can never leak partial checkpoint content into the next.
	if err := os.RemoveAll(scratch); err != nil {
		return fail("checkpoint", err)
	}
	if err := s.eng.Checkpoint(scratch); err != nil {
		return fail("checkpoint", err)
	}
	cl.Checkpoint = time.Since(phaseStart)

	phaseStart = time.Now()
	res, err := s.fm.SaveCheckpoint(ctx, scratch, newVersion, s.numKeysWorking)
	if err != nil {
		return fail("sync", err)
	}
	cl.Sync = time.Since(phaseStart)
	cl.Total = time.Since(commitStart)

	s.loadedVersion = newVersion
	s.numKeysCommitted = s.numKeysWorking
	s.lastCommit = cl
	s.lastSave = res
	s.ov.Clear()
	// Cached scan cursors pinned the pre-commit view; drop them.
	s.closeScanCursorsLocked(ctx)

	s.logger.LogCommit(ctx, newVersion, cl.Total, nil)
	return newVersion, nil
}

// Rollback discards all staged writes, restoring the state of the most
// recent Load or Commit, and releases the acquisition. Committed data is
// untouched. Safe to call with nothing staged or with the acquisition
// already released, but a caller that does not hold the store while a
// different owner does gets ErrNotAcquired and changes nothing.
func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.lk.Holder() != "" && !s.lk.HeldBy(s.owner(ctx)) {
		return ErrNotAcquired
	}

	s.ov.Clear()
	s.closeScanCursorsLocked(ctx)
	s.numKeysWorking = s.numKeysCommitted
	s.releaseLocked()
	s.logger.LogRollback(ctx, s.loadedVersion)
	return nil
}

// Close releases all native resources held by the store: cached scan
// cursors, the engine handle and the acquisition slot. The store must not be
// used afterwards. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.closeScanCursorsLocked(context.Background())

	var firstErr error
	if s.eng != nil {
		eng := s.eng
		s.eng = nil
		if err := eng.Close(); err != nil {
			firstErr = err
		}
	}
	s.releaseLocked()
	return firstErr
}

// LatestVersion returns the highest version durably stored in remote
// storage, or -1 when none exists.
func (s *Store) LatestVersion(ctx context.Context) (int64, error) {
	return s.fm.LatestVersion(ctx)
}

// Cleanup deletes remote versions beyond MinVersionsToRetain, keeping table
// files still referenced by retained versions. Individual deletion failures
// are logged, never returned.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.fm.DeleteOldVersions(ctx, s.opts.MinVersionsToRetain)
}

// Metrics returns an immutable snapshot of store metrics. Readable anytime,
// including while another owner holds the store.
func (s *Store) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := MetricsSnapshot{
		LoadedVersion:      s.loadedVersion,
		NumKeys:            s.numKeysCommitted,
		NumUncommittedKeys: s.numKeysWorking,
		Latencies:          s.collector.summaries(),
		LastCommit:         s.lastCommit,
		LastSave:           s.lastSave,
	}
	if s.eng != nil {
		stats := s.eng.Stats()
		snap.TotalSSTSizeBytes = stats.DiskUsageBytes
		snap.MemoryUsageBytes = stats.MemTableBytes + uint64(stats.BlockCacheBytes)
		snap.ReadAmplification = stats.ReadAmp
	}
	return snap
}

func (s *Store) releaseLocked() {
	if s.tok != nil {
		s.lk.Release(s.tok)
		s.tok = nil
	}
}

func (s *Store) closeScanCursorsLocked(ctx context.Context) {
	for owner, it := range s.scanCursors {
		if err := it.Close(); err != nil {
			s.logger.LogCleanupWarning(ctx, "cached scan cursor", err)
		}
		delete(s.scanCursors, owner)
	}
}
