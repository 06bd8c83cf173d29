package fence

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/pkg/syncfile"
)

// KernelTimeline is a Timeline backed by a sw_sync timeline descriptor.
type KernelTimeline struct {
	mu   sync.Mutex
	fd   int
	name string
}

// KernelFactory returns a TimelineFactory opening sw_sync timelines at path.
func KernelFactory(path, name string) TimelineFactory {
	return func() (Timeline, error) {
		fd, err := syncfile.OpenTimeline(path)
		if err != nil {
			return nil, err
		}
		return &KernelTimeline{fd: fd, name: name}, nil
	}
}

func (t *KernelTimeline) CreateFence(point uint64) (*Fence, error) {
	if point > math.MaxUint32 {
		return nil, fmt.Errorf("timeline point %d out of range", point)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil, ErrClosed
	}
	fd, err := syncfile.CreateFence(t.fd, t.name, uint32(point))
	if err != nil {
		return nil, err
	}
	return FromFD(fd), nil
}

func (t *KernelTimeline) Advance(delta uint64) error {
	if delta == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return ErrClosed
	}
	return syncfile.Inc(t.fd, uint32(delta))
}

func (t *KernelTimeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := syncfile.Close(t.fd)
	t.fd = -1
	return err
}

// FromFD takes ownership of a sync_file descriptor. A negative fd yields a
// nil (already signaled) fence.
func FromFD(fd int) *Fence {
	if fd < 0 {
		return nil
	}
	return New(fileSource(fd))
}

type fileSource int

func (s fileSource) Wait(timeout time.Duration) error {
	err := syncfile.Wait(int(s), timeout)
	if errors.Is(err, syncfile.ErrTimedOut) {
		return ErrTimedOut
	}
	return err
}

func (s fileSource) Close() error {
	return syncfile.Close(int(s))
}
