//go:build linux

package drm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DumbBuffer is a CPU-mappable scanout buffer with a framebuffer attached.
type DumbBuffer struct {
	Handle uint32
	FbID   uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	Format uint32
	Data   []byte
}

// CreateDumbBuffer allocates a 32bpp dumb buffer, registers it as a
// framebuffer in the given format and maps it into memory.
func (c *Card) CreateDumbBuffer(width, height, format uint32) (*DumbBuffer, error) {
	create := sysCreateDumb{width: width, height: height, bpp: 32}
	if err := ioctl(c.fd(), ioctlModeCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("MODE_CREATE_DUMB %dx%d: %w", width, height, err)
	}

	b := &DumbBuffer{
		Handle: create.handle,
		Width:  width,
		Height: height,
		Pitch:  create.pitch,
		Format: format,
	}

	fb := sysFBCmd2{width: width, height: height, pixelFormat: format}
	fb.handles[0] = create.handle
	fb.pitches[0] = create.pitch
	if err := ioctl(c.fd(), ioctlModeAddFB2, unsafe.Pointer(&fb)); err != nil {
		c.destroyDumb(b.Handle)
		return nil, fmt.Errorf("MODE_ADDFB2: %w", err)
	}
	b.FbID = fb.fbID

	mapArg := sysMapDumb{handle: create.handle}
	if err := ioctl(c.fd(), ioctlModeMapDumb, unsafe.Pointer(&mapArg)); err != nil {
		c.removeFB(b.FbID)
		c.destroyDumb(b.Handle)
		return nil, fmt.Errorf("MODE_MAP_DUMB: %w", err)
	}

	data, err := unix.Mmap(c.Fd(), int64(mapArg.offset), int(create.size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		c.removeFB(b.FbID)
		c.destroyDumb(b.Handle)
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	b.Data = data
	return b, nil
}

// DestroyDumbBuffer unmaps b and frees its framebuffer and handle.
func (c *Card) DestroyDumbBuffer(b *DumbBuffer) error {
	var firstErr error
	if b.Data != nil {
		if err := unix.Munmap(b.Data); err != nil {
			firstErr = fmt.Errorf("munmap dumb buffer: %w", err)
		}
		b.Data = nil
	}
	if err := c.removeFB(b.FbID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.destroyDumb(b.Handle); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Card) removeFB(id uint32) error {
	if err := ioctl(c.fd(), ioctlModeRmFB, unsafe.Pointer(&id)); err != nil {
		return fmt.Errorf("MODE_RMFB %d: %w", id, err)
	}
	return nil
}

func (c *Card) destroyDumb(handle uint32) error {
	arg := sysDestroyDumb{handle: handle}
	if err := ioctl(c.fd(), ioctlModeDestroyDumb, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("MODE_DESTROY_DUMB %d: %w", handle, err)
	}
	return nil
}
