package composition

import (
	"fmt"

	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/squash"
)

// Frame is a set of per-display compositions committed together. The plane
// pool is shared: displays planned earlier take planes first.
type Frame struct {
	dev          kms.Device
	compositions []*DisplayComposition
	pool         PlanePool
}

// NewFrame creates one empty composition per display in displays. When
// useOverlayPlanes is false only primary planes are offered to the planner.
func NewFrame(dev kms.Device, deps Deps, displays []int, frameNo uint64, useOverlayPlanes bool) (*Frame, error) {
	f := &Frame{dev: dev}
	for _, d := range displays {
		crtc := dev.Crtc(d)
		if crtc == nil {
			f.Retire()
			return nil, NewError(CodeConfiguration, fmt.Sprintf("display %d has no crtc", d), nil)
		}
		c, err := NewDisplayComposition(deps, crtc, frameNo)
		if err != nil {
			f.Retire()
			return nil, err
		}
		f.compositions = append(f.compositions, c)
	}
	for _, p := range dev.Planes() {
		switch p.Type {
		case kms.PlanePrimary:
			f.pool.Primary = append(f.pool.Primary, p)
		case kms.PlaneOverlay:
			if useOverlayPlanes {
				f.pool.Overlay = append(f.pool.Overlay, p)
			}
		}
	}
	return f, nil
}

// Compositions returns the per-display compositions in display order.
func (f *Frame) Compositions() []*DisplayComposition { return f.compositions }

// Composition returns the composition for display, or nil.
func (f *Frame) Composition(display int) *DisplayComposition {
	for _, c := range f.compositions {
		if c.Display() == display {
			return c
		}
	}
	return nil
}

// Pool returns the planes not yet assigned.
func (f *Frame) Pool() PlanePool { return f.pool }

// Plan plans every display in order, each one drawing from what the previous
// displays left. states maps display to its squash tracker; a missing entry
// disables squashing for that display.
func (f *Frame) Plan(states map[int]*squash.State) error {
	pool := f.pool
	for _, c := range f.compositions {
		next, err := c.Plan(states[c.Display()], pool)
		if err != nil {
			return fmt.Errorf("plan display %d: %w", c.Display(), err)
		}
		pool = next
	}
	f.pool = pool
	return nil
}

// DisableUnusedPlanes turns off every plane left in the pool that a frame
// composition could drive. Only one primary plane is disabled per display.
func (f *Frame) DisableUnusedPlanes() {
	for _, c := range f.compositions {
		if c.Type() == TypeEmpty || c.Type() == TypeModeset {
			continue
		}
		for _, p := range f.pool.Primary {
			if p.SupportsCrtc(c.Crtc()) {
				c.AddPlaneDisable(p)
				break
			}
		}
		for _, p := range f.pool.Overlay {
			if p.SupportsCrtc(c.Crtc()) {
				c.AddPlaneDisable(p)
			}
		}
		f.pool = f.pool.Without(c.Planes())
	}
}

// TakeCompositions hands the compositions to the caller. The frame no longer
// owns them.
func (f *Frame) TakeCompositions() []*DisplayComposition {
	out := f.compositions
	f.compositions = nil
	return out
}

// Retire retires every composition.
func (f *Frame) Retire() {
	for _, c := range f.compositions {
		c.Retire()
	}
	f.compositions = nil
}
