package fence

import (
	"errors"
	"fmt"
	"sync"
)

// SlotState is the resolution state of an OutputFence.
type SlotState int

const (
	// Unset means nobody has committed to producing a fence yet.
	Unset SlotState = iota
	// Pending means a producer reserved the slot at a timeline point.
	Pending
	// Filled means the fence is available.
	Filled
)

func (s SlotState) String() string {
	switch s {
	case Unset:
		return "unset"
	case Pending:
		return "pending"
	case Filled:
		return "filled"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// ErrAlreadyFilled is returned by Set on a slot that already holds a fence.
var ErrAlreadyFilled = errors.New("output fence already filled")

// OutputFence is a slot the composition fills exactly once with a release
// fence for the caller. A nil *OutputFence means no slot was requested.
type OutputFence struct {
	mu    sync.Mutex
	state SlotState
	point uint64
	fence *Fence
}

// NewOutputFence returns an unset slot.
func NewOutputFence() *OutputFence {
	return &OutputFence{}
}

// Reserve marks the slot pending on the given timeline point.
func (o *OutputFence) Reserve(point uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Filled {
		return ErrAlreadyFilled
	}
	o.state = Pending
	o.point = point
	return nil
}

// Set fills the slot. It takes ownership of f.
func (o *OutputFence) Set(f *Fence) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Filled {
		_ = f.Close()
		return ErrAlreadyFilled
	}
	o.state = Filled
	o.fence = f
	return nil
}

// State returns the current resolution state.
func (o *OutputFence) State() SlotState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Point returns the timeline point the slot was reserved on.
func (o *OutputFence) Point() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.point
}

// Take hands the filled fence to the caller. The slot keeps its Filled state.
func (o *OutputFence) Take() *Fence {
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fence
	o.fence = nil
	return f
}

// Resolved reports whether the slot was filled.
func (o *OutputFence) Resolved() bool {
	return o.State() == Filled
}

// CheckResolved returns an error naming the slot state when it was not filled.
func (o *OutputFence) CheckResolved() error {
	if s := o.State(); s != Filled {
		return fmt.Errorf("output fence left %s", s)
	}
	return nil
}
