// Package engine wraps the embedded LSM storage engine (Pebble) behind the
// narrow surface the state store needs: point reads, atomic batch application,
// flush, manual compaction, background-work quiescing, checkpoint creation,
// ordered iteration, and size/memory statistics.
//
// A Handle owns its native resources (database, block cache, iterators) and
// must be closed explicitly on every exit path.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hupe1980/statekv/overlay"
)

// ErrNotFound is returned by Get when the key has no committed value.
var ErrNotFound = errors.New("engine: key not found")

// ErrPaused is returned when maintenance is requested while background work
// is paused for a checkpoint.
var ErrPaused = errors.New("engine: background work is paused")

// quiescePollInterval is how often Quiesce rechecks background activity.
const quiescePollInterval = 10 * time.Millisecond

// Config holds the engine knobs the state store exposes.
type Config struct {
	// Dir is the working directory holding the engine's native files.
	Dir string
	// BlockSizeKB is the data block size of table files. Must be > 0.
	BlockSizeKB int64
	// BlockCacheSizeMB is the shared block cache capacity. Must be > 0.
	BlockCacheSizeMB int64
	// Logger receives engine lifecycle events. nil discards them.
	Logger *slog.Logger
}

// Handle is an open engine instance rooted at a version's working directory.
type Handle struct {
	db     *pebble.DB
	cache  *pebble.Cache
	logger *slog.Logger
	paused atomic.Bool
}

// Open opens the engine over the native files in cfg.Dir, creating them when
// the directory holds no prior state.
func Open(cfg Config) (*Handle, error) {
	if cfg.BlockSizeKB <= 0 {
		return nil, fmt.Errorf("engine: block size must be positive, got %dKB", cfg.BlockSizeKB)
	}
	if cfg.BlockCacheSizeMB <= 0 {
		return nil, fmt.Errorf("engine: block cache size must be positive, got %dMB", cfg.BlockCacheSizeMB)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cache := pebble.NewCache(cfg.BlockCacheSizeMB << 20)
	opts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{BlockSize: int(cfg.BlockSizeKB << 10)},
		},
		Logger: slogAdapter{logger},
	}

	db, err := pebble.Open(cfg.Dir, opts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("engine: open %s: %w", cfg.Dir, err)
	}

	return &Handle{db: db, cache: cache, logger: logger}, nil
}

// Get returns the committed value for key, or ErrNotFound. The returned slice
// is a copy and may be retained.
func (h *Handle) Get(key []byte) ([]byte, error) {
	v, closer, err := h.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply writes all staged operations of the overlay as one atomic, durably
// logged batch. Tombstones become engine deletes.
func (h *Handle) Apply(ov *overlay.Overlay) error {
	b := h.db.NewBatch()
	defer b.Close()

	var stageErr error
	ov.Ascend(func(key, value []byte, tombstone bool) bool {
		if tombstone {
			stageErr = b.Delete(key, nil)
		} else {
			stageErr = b.Set(key, value, nil)
		}
		return stageErr == nil
	})
	if stageErr != nil {
		return stageErr
	}

	return h.db.Apply(b, pebble.Sync)
}

// Flush forces in-memory write buffers to table files and waits for
// completion.
func (h *Handle) Flush() error {
	return h.db.Flush()
}

// CompactAll runs a manual compaction over the occupied key range to bound
// read amplification. A no-op on an empty store.
func (h *Handle) CompactAll() error {
	if h.paused.Load() {
		return ErrPaused
	}

	it, err := h.db.NewIter(nil)
	if err != nil {
		return err
	}
	if !it.First() {
		return it.Close()
	}
	first := bytes.Clone(it.Key())
	it.Last()
	last := bytes.Clone(it.Key())
	if err := it.Close(); err != nil {
		return err
	}

	// Compact treats the end key as exclusive; extend it so the last key is
	// covered.
	return h.db.Compact(first, append(last, 0), true)
}

// Quiesce pauses maintenance scheduling and waits until the engine reports no
// in-flight flushes or compactions, so the on-disk file set is stable for
// checkpointing. Bounded by ctx.
func (h *Handle) Quiesce(ctx context.Context) error {
	h.paused.Store(true)

	if err := h.db.Flush(); err != nil {
		return err
	}

	for {
		m := h.db.Metrics()
		if m.Flush.NumInProgress == 0 && m.Compact.NumInProgress == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(quiescePollInterval):
		}
	}
}

// Resume re-enables maintenance after a checkpoint. Safe to call when not
// paused.
func (h *Handle) Resume() {
	h.paused.Store(false)
}

// Checkpoint links a consistent snapshot of the engine's current files into
// destDir. The destination must not exist.
func (h *Handle) Checkpoint(destDir string) error {
	return h.db.Checkpoint(destDir, pebble.WithFlushedWAL())
}

// Stats reports engine size and memory usage.
type Stats struct {
	DiskUsageBytes  uint64
	MemTableBytes   uint64
	BlockCacheBytes int64
	ReadAmp         int
}

// Stats returns a point-in-time view of engine resource usage.
func (h *Handle) Stats() Stats {
	m := h.db.Metrics()
	return Stats{
		DiskUsageBytes:  m.DiskSpaceUsage(),
		MemTableBytes:   m.MemTable.Size,
		BlockCacheBytes: m.BlockCache.Size,
		ReadAmp:         m.ReadAmp(),
	}
}

// Close closes the database and releases the block cache reference. The
// handle must not be used afterwards; all iterators must already be closed.
func (h *Handle) Close() error {
	err := h.db.Close()
	h.cache.Unref()
	return err
}

// slogAdapter forwards pebble's log output to slog at debug level; pebble is
// chatty about routine flushes and compactions.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Fatalf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}
