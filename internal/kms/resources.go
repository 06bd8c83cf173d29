// Package kms is the display resource model the compositor commits against:
// planes, crtcs, connectors and the atomic device that owns them.
package kms

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/hwcomposer/pkg/drm"
)

// PlaneType is the hardware role of a plane.
type PlaneType int

const (
	PlaneOverlay PlaneType = iota
	PlanePrimary
	PlaneCursor
)

func (t PlaneType) String() string {
	switch t {
	case PlaneOverlay:
		return "overlay"
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	default:
		return fmt.Sprintf("PlaneType(%d)", int(t))
	}
}

// PlaneProps holds the property ids of a plane. Rotation and Alpha are zero
// when the hardware lacks them.
type PlaneProps struct {
	CrtcID   uint32
	FbID     uint32
	CrtcX    uint32
	CrtcY    uint32
	CrtcW    uint32
	CrtcH    uint32
	SrcX     uint32
	SrcY     uint32
	SrcW     uint32
	SrcH     uint32
	Rotation uint32
	Alpha    uint32
}

// Plane is one hardware scanout plane.
type Plane struct {
	ID            uint32
	Type          PlaneType
	PossibleCrtcs uint32
	Props         PlaneProps
}

// SupportsCrtc reports whether the plane can be attached to c.
func (p *Plane) SupportsCrtc(c *Crtc) bool {
	return c != nil && p.PossibleCrtcs&(1<<uint(c.Pipe)) != 0
}

// SupportsRotation reports whether the plane exposes a rotation property.
func (p *Plane) SupportsRotation() bool { return p.Props.Rotation != 0 }

// SupportsAlpha reports whether the plane exposes an alpha property.
func (p *Plane) SupportsAlpha() bool { return p.Props.Alpha != 0 }

// Crtc is a display pipe.
type Crtc struct {
	ID      uint32
	Pipe    int
	Display int
	Props   struct {
		Active uint32
		ModeID uint32
	}
}

// Connector is a display output.
type Connector struct {
	ID      uint32
	Display int
	Props   struct {
		CrtcID uint32
		DPMS   uint32
	}
	Modes []Mode

	mu     sync.Mutex
	active Mode
}

// ActiveMode returns the mode currently driven on the connector.
func (c *Connector) ActiveMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetActiveMode records the mode now driven on the connector.
func (c *Connector) SetActiveMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = m
}

// Mode is a display timing.
type Mode struct {
	Info drm.ModeInfo
}

// NewMode builds a mode with simple timings for the given size and refresh.
func NewMode(width, height, refresh int) Mode {
	var m Mode
	m.Info.Hdisplay = uint16(width)
	m.Info.HsyncStart = uint16(width + 48)
	m.Info.HsyncEnd = uint16(width + 80)
	m.Info.Htotal = uint16(width + 160)
	m.Info.Vdisplay = uint16(height)
	m.Info.VsyncStart = uint16(height + 3)
	m.Info.VsyncEnd = uint16(height + 8)
	m.Info.Vtotal = uint16(height + 30)
	m.Info.Vrefresh = uint32(refresh)
	m.Info.Clock = uint32(int(m.Info.Htotal) * int(m.Info.Vtotal) * refresh / 1000)
	m.Info.SetName(fmt.Sprintf("%dx%d", width, height))
	return m
}

func (m Mode) Width() int     { return int(m.Info.Hdisplay) }
func (m Mode) Height() int    { return int(m.Info.Vdisplay) }
func (m Mode) Refresh() int   { return int(m.Info.Vrefresh) }
func (m Mode) Name() string   { return m.Info.ModeName() }
func (m Mode) Valid() bool    { return m.Width() > 0 && m.Height() > 0 }
func (m Mode) Blob() []byte   { return m.Info.Marshal() }
func (m Mode) String() string { return fmt.Sprintf("%dx%d@%d", m.Width(), m.Height(), m.Refresh()) }

// Commit flags.
const (
	CommitTestOnly     uint32 = drm.AtomicTestOnly
	CommitAllowModeset uint32 = drm.AtomicAllowModeSet
)

// DPMS values for the connector property.
const (
	DPMSOn  = drm.DPMSOn
	DPMSOff = drm.DPMSOff
)

// ErrNoProperty is returned when adding a property the object lacks.
var ErrNoProperty = errors.New("object has no such property")

// AtomicRequest is an ordered list of property updates committed together.
type AtomicRequest struct {
	props []drm.AtomicProperty
}

// NewAtomicRequest returns an empty request.
func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Add appends an update. A zero property id means the object does not have
// the property.
func (r *AtomicRequest) Add(objectID, propertyID uint32, value uint64) error {
	if propertyID == 0 {
		return fmt.Errorf("object %d: %w", objectID, ErrNoProperty)
	}
	r.props = append(r.props, drm.AtomicProperty{ObjectID: objectID, PropertyID: propertyID, Value: value})
	return nil
}

// Props returns the updates in insertion order.
func (r *AtomicRequest) Props() []drm.AtomicProperty {
	return r.props
}

// Value returns the last value set for a property in this request.
func (r *AtomicRequest) Value(objectID, propertyID uint32) (uint64, bool) {
	for i := len(r.props) - 1; i >= 0; i-- {
		p := r.props[i]
		if p.ObjectID == objectID && p.PropertyID == propertyID {
			return p.Value, true
		}
	}
	return 0, false
}

// Len returns the number of updates.
func (r *AtomicRequest) Len() int { return len(r.props) }

// Device is an atomic mode-setting device.
type Device interface {
	Displays() []int
	Crtc(display int) *Crtc
	Connector(display int) *Connector
	Planes() []*Plane
	AtomicCommit(req *AtomicRequest, flags uint32) error
	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(id uint32) error
	SetConnectorProperty(connectorID, propertyID uint32, value uint64) error
}

// PlanesFor splits the device planes usable by display into primary and
// overlay pools. Cursor planes are never used for composition.
func PlanesFor(dev Device, display int) (primary, overlay []*Plane) {
	crtc := dev.Crtc(display)
	for _, p := range dev.Planes() {
		if !p.SupportsCrtc(crtc) {
			continue
		}
		switch p.Type {
		case PlanePrimary:
			primary = append(primary, p)
		case PlaneOverlay:
			overlay = append(overlay, p)
		}
	}
	return primary, overlay
}
