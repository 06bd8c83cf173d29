package buffer

import (
	"fmt"
	"image"
	"sync"
)

// MemoryAllocator keeps buffers in process memory. It serves as both the
// Allocator and the Importer for the software pipeline.
type MemoryAllocator struct {
	mu      sync.Mutex
	next    Handle
	nextFb  uint32
	buffers map[Handle]*memoryBuffer
}

type memoryBuffer struct {
	img     *image.RGBA
	fbID    uint32
	imports int
}

// NewMemoryAllocator returns an empty allocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{buffers: make(map[Handle]*memoryBuffer)}
}

func (m *MemoryAllocator) Allocate(width, height int) (Handle, error) {
	if width <= 0 || height <= 0 {
		return 0, fmt.Errorf("invalid buffer size %dx%d", width, height)
	}
	return m.Register(image.NewRGBA(image.Rect(0, 0, width, height))), nil
}

// Register adds an existing image as a buffer and returns its handle.
func (m *MemoryAllocator) Register(img *image.RGBA) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.nextFb++
	m.buffers[m.next] = &memoryBuffer{img: img, fbID: m.nextFb}
	return m.next
}

func (m *MemoryAllocator) Free(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[h]; !ok {
		return fmt.Errorf("free unknown buffer %d", h)
	}
	delete(m.buffers, h)
	return nil
}

// Image returns the backing image of h.
func (m *MemoryAllocator) Image(h Handle) (*image.RGBA, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[h]
	if !ok {
		return nil, false
	}
	return b.img, true
}

func (m *MemoryAllocator) ImportBuffer(h Handle) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[h]
	if !ok {
		return nil, fmt.Errorf("unknown buffer %d", h)
	}
	b.imports++
	bounds := b.img.Bounds()
	return &Object{
		Handle: h,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: FormatABGR8888,
		FbID:   b.fbID,
		Pixels: b.img,
	}, nil
}

func (m *MemoryAllocator) ReleaseBuffer(o *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[o.Handle]
	if !ok {
		// Freed while still imported; nothing left to track.
		return nil
	}
	if b.imports == 0 {
		return fmt.Errorf("buffer %d released more times than imported", o.Handle)
	}
	b.imports--
	return nil
}

// Imports returns the number of outstanding imports across all buffers.
func (m *MemoryAllocator) Imports() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.buffers {
		n += b.imports
	}
	return n
}

// FormatABGR8888 is the fourcc matching image.RGBA byte order.
const FormatABGR8888 = 0x34324241 // AB24
