package statekv

import (
	"fmt"
	"time"
)

// Options configures a Store. Use New's option functions to override the
// defaults.
type Options struct {
	// MinVersionsToRetain is how many recent versions Cleanup keeps.
	MinVersionsToRetain int

	// CompactOnCommit runs a full manual compaction during each commit to
	// bound read amplification. Off by default; commits get slower, reloads
	// and reads get faster.
	CompactOnCommit bool

	// PauseBackgroundWorkForCommit quiesces the engine's background flushes
	// and compactions before the checkpoint is taken.
	PauseBackgroundWorkForCommit bool

	// BlockSizeKB is the engine's table block size. Must be > 0.
	BlockSizeKB int64

	// BlockCacheSizeMB is the engine's block cache capacity. Must be > 0.
	BlockCacheSizeMB int64

	// LockAcquireTimeout bounds how long an acquisition blocks while the
	// store is held by another owner. Zero fails contended acquisition
	// immediately.
	LockAcquireTimeout time.Duration

	// UploadParallelism bounds concurrent checkpoint file transfers.
	UploadParallelism int

	// TransferRateBytesPerSec throttles checkpoint transfer throughput.
	// 0 means unlimited.
	TransferRateBytesPerSec int64

	// Logger receives structured log output. nil discards all output.
	Logger *Logger
}

// DefaultOptions returns the defaults New starts from.
func DefaultOptions() Options {
	return Options{
		MinVersionsToRetain:          100,
		CompactOnCommit:              false,
		PauseBackgroundWorkForCommit: true,
		BlockSizeKB:                  4,
		BlockCacheSizeMB:             8,
		LockAcquireTimeout:           60 * time.Second,
		UploadParallelism:            4,
	}
}

func (o *Options) validate() error {
	if o.BlockSizeKB <= 0 {
		return fmt.Errorf("BlockSizeKB must be positive, got %d", o.BlockSizeKB)
	}
	if o.BlockCacheSizeMB <= 0 {
		return fmt.Errorf("BlockCacheSizeMB must be positive, got %d", o.BlockCacheSizeMB)
	}
	if o.LockAcquireTimeout < 0 {
		return fmt.Errorf("LockAcquireTimeout must be non-negative, got %s", o.LockAcquireTimeout)
	}
	if o.MinVersionsToRetain < 1 {
		return fmt.Errorf("MinVersionsToRetain must be at least 1, got %d", o.MinVersionsToRetain)
	}
	return nil
}
