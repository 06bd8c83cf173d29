// Package buffer covers hardware buffer import, allocation and the
// double-buffered framebuffers used as composition targets.
package buffer

import (
	"errors"
	"fmt"
	"image/draw"
	"sync"
)

// Handle identifies a platform buffer. Zero is no buffer.
type Handle uint64

// ErrNoBuffer is returned when importing the zero handle.
var ErrNoBuffer = errors.New("no buffer handle")

// Object is an imported buffer with a framebuffer id the kernel can scan out.
type Object struct {
	Handle Handle
	Width  int
	Height int
	Format uint32
	FbID   uint32
	// Pixels gives CPU access to the contents when the importer supports it.
	Pixels draw.Image
}

// Importer turns platform handles into scanout-capable buffer objects.
// Implementations must be safe for concurrent use.
type Importer interface {
	ImportBuffer(h Handle) (*Object, error)
	ReleaseBuffer(o *Object) error
}

// Allocator creates buffers that can later be imported.
type Allocator interface {
	Allocate(width, height int) (Handle, error)
	Free(h Handle) error
}

// Ref owns one import of a handle and releases it exactly once.
type Ref struct {
	mu       sync.Mutex
	importer Importer
	obj      *Object
}

// Import imports h through importer.
func Import(importer Importer, h Handle) (*Ref, error) {
	if h == 0 {
		return nil, ErrNoBuffer
	}
	obj, err := importer.ImportBuffer(h)
	if err != nil {
		return nil, fmt.Errorf("import buffer %d: %w", h, err)
	}
	return &Ref{importer: importer, obj: obj}, nil
}

// Object returns the imported object, or nil after Release.
func (r *Ref) Object() *Object {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.obj
}

// Release returns the import to the importer. Later calls are no-ops.
func (r *Ref) Release() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	obj := r.obj
	r.obj = nil
	r.mu.Unlock()
	if obj == nil {
		return nil
	}
	return r.importer.ReleaseBuffer(obj)
}
