package fence

import (
	"sync"
	"time"
)

// Timeline is a monotonically increasing counter that produces fences bound
// to counter values.
type Timeline interface {
	// CreateFence returns a fence that signals when the counter reaches point.
	CreateFence(point uint64) (*Fence, error)
	// Advance increments the counter by delta, signaling every fence whose
	// point is now reached.
	Advance(delta uint64) error
	// Close destroys the timeline. Pending fences are released.
	Close() error
}

// TimelineFactory creates a fresh timeline starting at zero.
type TimelineFactory func() (Timeline, error)

// SoftTimeline is an in-process Timeline.
type SoftTimeline struct {
	mu      sync.Mutex
	value   uint64
	closed  bool
	changed chan struct{}
}

// NewSoftTimeline returns a timeline at zero.
func NewSoftTimeline() *SoftTimeline {
	return &SoftTimeline{changed: make(chan struct{})}
}

// SoftFactory is a TimelineFactory producing SoftTimelines.
func SoftFactory() (Timeline, error) {
	return NewSoftTimeline(), nil
}

// Value returns the current counter.
func (t *SoftTimeline) Value() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

func (t *SoftTimeline) CreateFence(point uint64) (*Fence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return New(&softFence{timeline: t, point: point}), nil
}

func (t *SoftTimeline) Advance(delta uint64) error {
	if delta == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.value += delta
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

func (t *SoftTimeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.changed)
	return nil
}

// reached reports whether point was passed, and otherwise returns the channel
// closed on the next change.
func (t *SoftTimeline) reached(point uint64) (bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.value >= point {
		return true, nil
	}
	return false, t.changed
}

type softFence struct {
	timeline *SoftTimeline
	point    uint64
}

func (f *softFence) Wait(timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		done, changed := f.timeline.reached(f.point)
		if done {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return ErrTimedOut
		}
	}
}

func (f *softFence) Close() error { return nil }
