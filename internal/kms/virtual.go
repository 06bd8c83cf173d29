package kms

import (
	"fmt"
	"slices"
	"sync"
)

// VirtualDisplay describes one output of a VirtualDevice.
type VirtualDisplay struct {
	Width         int  `toml:"width"`
	Height        int  `toml:"height"`
	Refresh       int  `toml:"refresh"`
	OverlayPlanes int  `toml:"overlay_planes"`
	Rotation      bool `toml:"rotation"`
	Alpha         bool `toml:"alpha"`
}

// VirtualConfig describes a VirtualDevice.
type VirtualConfig struct {
	Displays []VirtualDisplay `toml:"displays"`
	// SharedOverlays are overlay planes usable by every display.
	SharedOverlays int `toml:"shared_overlays"`
}

// Commit is one atomic commit seen by a VirtualDevice.
type Commit struct {
	Props *AtomicRequest
	Flags uint32
}

// VirtualDevice is an in-process Device. It records every commit and keeps the
// resulting property state so callers can inspect what would be scanned out.
type VirtualDevice struct {
	crtcs      []*Crtc
	connectors []*Connector
	planes     []*Plane

	mu       sync.Mutex
	commits  []Commit
	state    map[[2]uint32]uint64
	blobs    map[uint32][]byte
	nextBlob uint32
	reject   func(req *AtomicRequest, flags uint32) error
}

// NewVirtualDevice builds a device from cfg. Every display gets one primary
// plane plus its configured overlays.
func NewVirtualDevice(cfg VirtualConfig) *VirtualDevice {
	d := &VirtualDevice{
		state:    make(map[[2]uint32]uint64),
		blobs:    make(map[uint32][]byte),
		nextBlob: 1,
	}

	nextProp := uint32(1000)
	prop := func() uint32 {
		nextProp++
		return nextProp
	}
	nextPlane := uint32(300)
	addPlane := func(typ PlaneType, crtcs uint32, rotation, alpha bool) {
		nextPlane++
		p := &Plane{ID: nextPlane, Type: typ, PossibleCrtcs: crtcs}
		p.Props = PlaneProps{
			CrtcID: prop(), FbID: prop(),
			CrtcX: prop(), CrtcY: prop(), CrtcW: prop(), CrtcH: prop(),
			SrcX: prop(), SrcY: prop(), SrcW: prop(), SrcH: prop(),
		}
		if rotation {
			p.Props.Rotation = prop()
		}
		if alpha {
			p.Props.Alpha = prop()
		}
		d.planes = append(d.planes, p)
	}

	var all uint32
	for i, vd := range cfg.Displays {
		crtc := &Crtc{ID: uint32(100 + i), Pipe: i, Display: i}
		crtc.Props.Active = prop()
		crtc.Props.ModeID = prop()
		d.crtcs = append(d.crtcs, crtc)

		refresh := vd.Refresh
		if refresh == 0 {
			refresh = 60
		}
		mode := NewMode(vd.Width, vd.Height, refresh)
		conn := &Connector{ID: uint32(200 + i), Display: i, Modes: []Mode{mode}}
		conn.Props.CrtcID = prop()
		conn.Props.DPMS = prop()
		conn.SetActiveMode(mode)
		d.connectors = append(d.connectors, conn)

		addPlane(PlanePrimary, 1<<uint(i), vd.Rotation, vd.Alpha)
		for range vd.OverlayPlanes {
			addPlane(PlaneOverlay, 1<<uint(i), vd.Rotation, vd.Alpha)
		}
		all |= 1 << uint(i)
	}
	for range cfg.SharedOverlays {
		addPlane(PlaneOverlay, all, false, false)
	}
	return d
}

func (d *VirtualDevice) Displays() []int {
	ids := make([]int, len(d.crtcs))
	for i, c := range d.crtcs {
		ids[i] = c.Display
	}
	return ids
}

func (d *VirtualDevice) Crtc(display int) *Crtc {
	if display < 0 || display >= len(d.crtcs) {
		return nil
	}
	return d.crtcs[display]
}

func (d *VirtualDevice) Connector(display int) *Connector {
	if display < 0 || display >= len(d.connectors) {
		return nil
	}
	return d.connectors[display]
}

func (d *VirtualDevice) Planes() []*Plane {
	return d.planes
}

// SetRejectFunc installs a predicate consulted on every commit. A non-nil
// error rejects the commit.
func (d *VirtualDevice) SetRejectFunc(fn func(req *AtomicRequest, flags uint32) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = fn
}

func (d *VirtualDevice) AtomicCommit(req *AtomicRequest, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits = append(d.commits, Commit{Props: req, Flags: flags})
	if d.reject != nil {
		if err := d.reject(req, flags); err != nil {
			return err
		}
	}
	if flags&CommitTestOnly != 0 {
		return nil
	}
	for _, p := range req.Props() {
		if p.PropertyID == d.modePropFor(p.ObjectID) && p.Value != 0 {
			if _, ok := d.blobs[uint32(p.Value)]; !ok {
				return fmt.Errorf("mode blob %d does not exist", p.Value)
			}
		}
		d.state[[2]uint32{p.ObjectID, p.PropertyID}] = p.Value
	}
	return nil
}

func (d *VirtualDevice) modePropFor(objectID uint32) uint32 {
	for _, c := range d.crtcs {
		if c.ID == objectID {
			return c.Props.ModeID
		}
	}
	return 0
}

func (d *VirtualDevice) CreatePropertyBlob(data []byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextBlob
	d.nextBlob++
	d.blobs[id] = slices.Clone(data)
	return id, nil
}

func (d *VirtualDevice) DestroyPropertyBlob(id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.blobs[id]; !ok {
		return fmt.Errorf("destroy unknown blob %d", id)
	}
	delete(d.blobs, id)
	return nil
}

func (d *VirtualDevice) SetConnectorProperty(connectorID, propertyID uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.connectors {
		if c.ID == connectorID {
			d.state[[2]uint32{connectorID, propertyID}] = value
			return nil
		}
	}
	return fmt.Errorf("unknown connector %d", connectorID)
}

// Commits returns a copy of the commit log.
func (d *VirtualDevice) Commits() []Commit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.commits)
}

// Blobs returns the number of live property blobs.
func (d *VirtualDevice) Blobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blobs)
}

// Property returns the last committed value of a property.
func (d *VirtualDevice) Property(objectID, propertyID uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[[2]uint32{objectID, propertyID}]
}

// Scanout returns the crtc and framebuffer a plane was last committed with.
func (d *VirtualDevice) Scanout(p *Plane) (crtcID, fbID uint32) {
	return uint32(d.Property(p.ID, p.Props.CrtcID)), uint32(d.Property(p.ID, p.Props.FbID))
}
