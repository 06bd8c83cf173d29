package buffer

import (
	"fmt"
	"time"

	"github.com/smazurov/hwcomposer/internal/fence"
)

// ReleaseWaitTimeout bounds how long a reallocation waits for the scanout
// engine to let go of the old contents.
const ReleaseWaitTimeout = 1500 * time.Millisecond

// Framebuffer is an allocated composition target plus the fence that signals
// when the display is done reading it.
type Framebuffer struct {
	alloc   Allocator
	handle  Handle
	width   int
	height  int
	release *fence.Fence
}

// NewFramebuffer returns an empty framebuffer slot backed by alloc.
func NewFramebuffer(alloc Allocator) *Framebuffer {
	return &Framebuffer{alloc: alloc}
}

// Valid reports whether a buffer is allocated.
func (f *Framebuffer) Valid() bool { return f.handle != 0 }

// Handle returns the allocated buffer.
func (f *Framebuffer) Handle() Handle { return f.handle }

// Size returns the allocated dimensions.
func (f *Framebuffer) Size() (int, int) { return f.width, f.height }

// Allocate ensures the slot holds a buffer of the given size. An existing
// buffer of a different size is freed once its release fence signals.
func (f *Framebuffer) Allocate(width, height int) error {
	if f.Valid() {
		if f.width == width && f.height == height {
			return nil
		}
		if err := f.release.Wait(ReleaseWaitTimeout); err != nil {
			return fmt.Errorf("wait for framebuffer release: %w", err)
		}
		if err := f.Clear(); err != nil {
			return err
		}
	}

	h, err := f.alloc.Allocate(width, height)
	if err != nil {
		return fmt.Errorf("allocate %dx%d framebuffer: %w", width, height, err)
	}
	f.handle = h
	f.width = width
	f.height = height
	return nil
}

// WaitReleased blocks until the display stopped reading the buffer.
func (f *Framebuffer) WaitReleased(timeout time.Duration) error {
	if !f.Valid() {
		return nil
	}
	return f.release.Wait(timeout)
}

// SetReleaseFence replaces the release fence, closing the previous one.
func (f *Framebuffer) SetReleaseFence(r *fence.Fence) {
	if f.release != nil {
		_ = f.release.Close()
	}
	f.release = r
}

// Clear frees the buffer and drops the release fence.
func (f *Framebuffer) Clear() error {
	if !f.Valid() {
		return nil
	}
	f.SetReleaseFence(nil)
	h := f.handle
	f.handle = 0
	f.width, f.height = 0, 0
	if err := f.alloc.Free(h); err != nil {
		return fmt.Errorf("free framebuffer: %w", err)
	}
	return nil
}

// Pool is a fixed ring of framebuffers, one filled while another is shown.
type Pool struct {
	slots []*Framebuffer
	index int
}

// NewPool returns a ring of n framebuffers.
func NewPool(alloc Allocator, n int) *Pool {
	p := &Pool{slots: make([]*Framebuffer, n)}
	for i := range p.slots {
		p.slots[i] = NewFramebuffer(alloc)
	}
	return p
}

// Current returns the framebuffer at the ring position.
func (p *Pool) Current() *Framebuffer { return p.slots[p.index] }

// Index returns the ring position.
func (p *Pool) Index() int { return p.index }

// Advance moves to the next framebuffer.
func (p *Pool) Advance() { p.index = (p.index + 1) % len(p.slots) }

// Clear frees every framebuffer in the ring.
func (p *Pool) Clear() error {
	var firstErr error
	for _, fb := range p.slots {
		if err := fb.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
