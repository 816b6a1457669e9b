// Package lock implements the single-writer acquisition discipline of a state
// store instance: at most one logical owner may mutate the store at a time.
//
// Acquisition is reentrant for the same owner, blocks with periodic polling
// for different owners up to a configurable timeout, and is released either
// explicitly or by a completion hook registered against the caller's context,
// so a cancelled or failed unit of work can never leave the slot held.
package lock

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// DefaultPollInterval is how often a blocked Acquire rechecks the slot.
const DefaultPollInterval = 10 * time.Millisecond

// stackBufSize bounds the diagnostic stack snapshot captured at acquisition.
const stackBufSize = 4 << 10

type ctxKey struct{}

// WithOwner tags ctx with a logical owner identifier, typically the id of the
// enclosing task. Acquisitions made with the same owner id are reentrant.
func WithOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// OwnerFromContext returns the owner id carried by ctx, or "" if none is set.
func OwnerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Token identifies the owner currently holding the slot. It carries only
// diagnostic data: the owner id, the acquisition time, and a stack snapshot
// taken at acquisition. It never retains a handle to the owning goroutine.
type Token struct {
	Owner      string
	AcquiredAt time.Time
	Stack      []byte

	// stop cancels the context completion hook registered at acquisition.
	stop func() bool
}

// String describes the token for timeout diagnostics.
func (t *Token) String() string {
	return fmt.Sprintf("owner %q (held since %s)", t.Owner, t.AcquiredAt.Format(time.RFC3339Nano))
}

// TimeoutError is returned when Acquire exceeds the configured timeout while
// the slot is held by a different owner.
type TimeoutError struct {
	Timeout time.Duration
	// Holder describes the current holder at the time the timeout fired.
	Holder string
	// HolderStack is the stack snapshot captured when the holder acquired.
	HolderStack []byte
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock: acquisition timed out after %s, held by %s", e.Timeout, e.Holder)
}

// Lock is the exclusive slot for one store instance.
type Lock struct {
	timeout      time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	holder *Token
}

// New creates a free lock. A zero timeout makes contended acquisition fail
// immediately. pollInterval <= 0 uses DefaultPollInterval.
func New(timeout, pollInterval time.Duration) *Lock {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Lock{timeout: timeout, pollInterval: pollInterval}
}

// Acquire takes the slot for the given owner. If the slot is already held by
// the same owner, Acquire succeeds silently without creating a new token. If
// it is held by a different owner, Acquire polls until the slot frees or the
// timeout elapses, then fails with a *TimeoutError describing the holder.
//
// On success the returned token holds the slot until Release, or until ctx is
// done, whichever comes first.
func (l *Lock) Acquire(ctx context.Context, owner string) (*Token, error) {
	deadline := time.Now().Add(l.timeout)

	for {
		l.mu.Lock()
		switch {
		case l.holder == nil:
			tok := &Token{
				Owner:      owner,
				AcquiredAt: time.Now(),
				Stack:      captureStack(),
			}
			// The completion hook releases the slot when the unit of work is
			// cancelled or finishes without an explicit Release.
			tok.stop = context.AfterFunc(ctx, func() {
				l.releaseToken(tok)
			})
			l.holder = tok
			l.mu.Unlock()
			return tok, nil

		case l.holder.Owner == owner:
			tok := l.holder
			l.mu.Unlock()
			return tok, nil
		}

		holder := l.holder.String()
		holderStack := l.holder.Stack
		l.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, &TimeoutError{
				Timeout:     l.timeout,
				Holder:      holder,
				HolderStack: holderStack,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release frees the slot if tok still holds it and cancels the completion
// hook. Releasing a token that no longer holds the slot is a no-op, so an
// explicit Release can race benignly with the hook.
func (l *Lock) Release(tok *Token) {
	if tok == nil {
		return
	}
	if tok.stop != nil {
		tok.stop()
	}
	l.releaseToken(tok)
}

func (l *Lock) releaseToken(tok *Token) {
	l.mu.Lock()
	if l.holder == tok {
		l.holder = nil
	}
	l.mu.Unlock()
}

// Holder returns a description of the current holder, or "" when free.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return ""
	}
	return l.holder.String()
}

// HeldBy reports whether the slot is currently held by the given owner. A
// token that was released by its completion hook no longer counts as held.
func (l *Lock) HeldBy(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil && owner != "" && l.holder.Owner == owner
}

func captureStack() []byte {
	buf := make([]byte, stackBufSize)
	n := runtime.Stack(buf, false)
	return buf[:n]
}
