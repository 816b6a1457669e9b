package statekv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/statekv/lock"
)

var (
	// ErrNotFound is returned when a key has no visible value.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrNoVersionLoaded is returned when an operation requires a loaded
	// version and none is valid. A Load is required before further use.
	ErrNoVersionLoaded = errors.New("no version loaded")

	// ErrInvalidVersion is returned when a negative version is requested.
	ErrInvalidVersion = errors.New("version must be non-negative")
)

// LockTimeoutError is the error returned when acquiring the store's exclusive
// slot times out. It carries the current holder's diagnostics.
type LockTimeoutError = lock.TimeoutError

// LoadError indicates that materializing or opening a version failed. The
// store's loaded-version marker has been invalidated; the next operation must
// be a Load.
//
// The underlying error can be accessed via errors.Unwrap.
type LoadError struct {
	Version int64
	cause   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load version %d: %v", e.Version, e.cause)
}

func (e *LoadError) Unwrap() error { return e.cause }

// CommitError indicates a failed commit phase. The store's loaded-version
// marker has been invalidated; the next operation must be a Load.
//
// The underlying error can be accessed via errors.Unwrap.
type CommitError struct {
	// Version is the version the commit attempted to create.
	Version int64
	// Phase names the failed commit phase: "write", "flush", "compact",
	// "pause", "checkpoint", or "sync".
	Phase string
	cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit version %d: %s phase: %v", e.Version, e.Phase, e.cause)
}

func (e *CommitError) Unwrap() error { return e.cause }
