package buffer

import (
	"fmt"
	"sync"

	"github.com/smazurov/hwcomposer/pkg/drm"
)

// DumbAllocator allocates CPU-mapped dumb buffers on a DRM card and imports
// them for scanout.
type DumbAllocator struct {
	card *drm.Card

	mu      sync.Mutex
	buffers map[Handle]*drm.DumbBuffer
}

// NewDumbAllocator returns an allocator for card.
func NewDumbAllocator(card *drm.Card) *DumbAllocator {
	return &DumbAllocator{card: card, buffers: make(map[Handle]*drm.DumbBuffer)}
}

func (d *DumbAllocator) Allocate(width, height int) (Handle, error) {
	b, err := d.card.CreateDumbBuffer(uint32(width), uint32(height), drm.FormatXRGB8888)
	if err != nil {
		return 0, err
	}
	h := Handle(b.Handle)
	d.mu.Lock()
	d.buffers[h] = b
	d.mu.Unlock()
	return h, nil
}

func (d *DumbAllocator) Free(h Handle) error {
	d.mu.Lock()
	b, ok := d.buffers[h]
	delete(d.buffers, h)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("free unknown dumb buffer %d", h)
	}
	return d.card.DestroyDumbBuffer(b)
}

func (d *DumbAllocator) ImportBuffer(h Handle) (*Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[h]
	if !ok {
		return nil, fmt.Errorf("unknown dumb buffer %d", h)
	}
	return &Object{
		Handle: h,
		Width:  int(b.Width),
		Height: int(b.Height),
		Format: b.Format,
		FbID:   b.FbID,
		Pixels: NewXRGB(b.Data, int(b.Pitch), int(b.Width), int(b.Height)),
	}, nil
}

// ReleaseBuffer is a no-op: the framebuffer lives as long as the allocation.
func (d *DumbAllocator) ReleaseBuffer(*Object) error {
	return nil
}
