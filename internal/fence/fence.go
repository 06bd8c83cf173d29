// Package fence models sync fences as owned, move-only handles and provides
// the timelines that produce them.
package fence

import (
	"errors"
	"runtime"
	"sync"
	"time"
)

// Infinite makes Wait block until the fence signals.
const Infinite time.Duration = -1

var (
	// ErrTimedOut is returned when a fence does not signal within the timeout.
	ErrTimedOut = errors.New("fence wait timed out")
	// ErrClosed is returned when using a fence whose handle was already closed
	// or moved away.
	ErrClosed = errors.New("fence already closed")
)

// Source is the underlying signal primitive of a fence.
type Source interface {
	Wait(timeout time.Duration) error
	Close() error
}

// Fence owns one Source. A nil *Fence is an already-signaled fence.
//
// Ownership is explicit: Take moves the source into a new Fence and leaves
// the old one closed. If a Fence is dropped without Close, its source is
// closed when the Fence is garbage collected.
type Fence struct {
	mu      sync.Mutex
	src     Source
	cleanup runtime.Cleanup
}

// New wraps src in an owning Fence.
func New(src Source) *Fence {
	f := &Fence{src: src}
	f.cleanup = runtime.AddCleanup(f, func(s Source) { _ = s.Close() }, src)
	return f
}

// Valid reports whether f still owns a source.
func (f *Fence) Valid() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src != nil
}

// Wait blocks until the fence signals or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	src := f.src
	f.mu.Unlock()
	if src == nil {
		return ErrClosed
	}
	return src.Wait(timeout)
}

// Close releases the source. Closing a nil fence is a no-op.
func (f *Fence) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	src := f.src
	f.src = nil
	f.mu.Unlock()
	if src == nil {
		return ErrClosed
	}
	f.cleanup.Stop()
	return src.Close()
}

// Take moves ownership into a new Fence. f is left closed.
func (f *Fence) Take() *Fence {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	src := f.src
	f.src = nil
	f.mu.Unlock()
	if src == nil {
		return nil
	}
	f.cleanup.Stop()
	return New(src)
}

// Signaled is a source that is already complete.
type Signaled struct{}

func (Signaled) Wait(time.Duration) error { return nil }
func (Signaled) Close() error             { return nil }
