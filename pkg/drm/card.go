//go:build linux

package drm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Card is an open DRM device node.
type Card struct {
	file *os.File
}

// Resources lists the mode objects of a card.
type Resources struct {
	Crtcs      []uint32
	Connectors []uint32
	Encoders   []uint32
}

// Connector is a snapshot of one connector.
type Connector struct {
	ID         uint32
	EncoderID  uint32
	Type       uint32
	Connection uint32
	Modes      []ModeInfo
	Encoders   []uint32
}

// Encoder is a snapshot of one encoder.
type Encoder struct {
	ID            uint32
	CrtcID        uint32
	PossibleCrtcs uint32
}

// Plane is a snapshot of one plane.
type Plane struct {
	ID            uint32
	CrtcID        uint32
	FbID          uint32
	PossibleCrtcs uint32
	Formats       []uint32
}

// Open opens the card at path and enables universal planes and atomic commits.
func Open(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	c := &Card{file: f}

	// Master may already be held by the launching session; commits still work
	// when it was handed over.
	_ = ioctl(c.fd(), ioctlSetMaster, nil)

	for _, capability := range []uint64{clientCapUniversalPlanes, clientCapAtomic} {
		arg := sysSetClientCap{capability: capability, value: 1}
		if err := ioctl(c.fd(), ioctlSetClientCap, unsafe.Pointer(&arg)); err != nil {
			f.Close()
			return nil, fmt.Errorf("set client cap %d: %w", capability, err)
		}
	}
	return c, nil
}

// Close closes the device node.
func (c *Card) Close() error {
	return c.file.Close()
}

// Fd returns the raw descriptor.
func (c *Card) Fd() int {
	return int(c.file.Fd())
}

func (c *Card) fd() uintptr {
	return c.file.Fd()
}

// Resources returns the crtc, connector and encoder ids of the card.
func (c *Card) Resources() (*Resources, error) {
	var counts sysResources
	if err := ioctl(c.fd(), ioctlModeGetResources, unsafe.Pointer(&counts)); err != nil {
		return nil, fmt.Errorf("MODE_GETRESOURCES: %w", err)
	}

	res := &Resources{
		Crtcs:      make([]uint32, counts.countCrtcs),
		Connectors: make([]uint32, counts.countConnectors),
		Encoders:   make([]uint32, counts.countEncoders),
	}
	fill := sysResources{
		crtcIDPtr:       ptr(res.Crtcs),
		connectorIDPtr:  ptr(res.Connectors),
		encoderIDPtr:    ptr(res.Encoders),
		countCrtcs:      counts.countCrtcs,
		countConnectors: counts.countConnectors,
		countEncoders:   counts.countEncoders,
	}
	err := ioctl(c.fd(), ioctlModeGetResources, unsafe.Pointer(&fill))
	runtime.KeepAlive(res)
	if err != nil {
		return nil, fmt.Errorf("MODE_GETRESOURCES: %w", err)
	}
	return res, nil
}

// Connector returns the connector with the given id.
func (c *Card) Connector(id uint32) (*Connector, error) {
	counts := sysGetConnector{connectorID: id}
	if err := ioctl(c.fd(), ioctlModeGetConnector, unsafe.Pointer(&counts)); err != nil {
		return nil, fmt.Errorf("MODE_GETCONNECTOR %d: %w", id, err)
	}

	conn := &Connector{
		ID:       id,
		Modes:    make([]ModeInfo, counts.countModes),
		Encoders: make([]uint32, counts.countEncoders),
	}
	props := make([]uint32, counts.countProps)
	values := make([]uint64, counts.countProps)
	fill := sysGetConnector{
		encodersPtr:   ptr(conn.Encoders),
		modesPtr:      ptr(conn.Modes),
		propsPtr:      ptr(props),
		propValuesPtr: ptr(values),
		countModes:    counts.countModes,
		countProps:    counts.countProps,
		countEncoders: counts.countEncoders,
		connectorID:   id,
	}
	err := ioctl(c.fd(), ioctlModeGetConnector, unsafe.Pointer(&fill))
	runtime.KeepAlive(conn)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	if err != nil {
		return nil, fmt.Errorf("MODE_GETCONNECTOR %d: %w", id, err)
	}

	conn.EncoderID = fill.encoderID
	conn.Type = fill.connectorType
	conn.Connection = fill.connection
	return conn, nil
}

// Encoder returns the encoder with the given id.
func (c *Card) Encoder(id uint32) (*Encoder, error) {
	arg := sysGetEncoder{encoderID: id}
	if err := ioctl(c.fd(), ioctlModeGetEncoder, unsafe.Pointer(&arg)); err != nil {
		return nil, fmt.Errorf("MODE_GETENCODER %d: %w", id, err)
	}
	return &Encoder{ID: id, CrtcID: arg.crtcID, PossibleCrtcs: arg.possibleCrtcs}, nil
}

// Planes returns the ids of every plane on the card.
func (c *Card) Planes() ([]uint32, error) {
	var counts sysGetPlaneResources
	if err := ioctl(c.fd(), ioctlModeGetPlaneResources, unsafe.Pointer(&counts)); err != nil {
		return nil, fmt.Errorf("MODE_GETPLANERESOURCES: %w", err)
	}
	ids := make([]uint32, counts.countPlanes)
	fill := sysGetPlaneResources{planeIDPtr: ptr(ids), countPlanes: counts.countPlanes}
	err := ioctl(c.fd(), ioctlModeGetPlaneResources, unsafe.Pointer(&fill))
	runtime.KeepAlive(ids)
	if err != nil {
		return nil, fmt.Errorf("MODE_GETPLANERESOURCES: %w", err)
	}
	return ids, nil
}

// Plane returns the plane with the given id.
func (c *Card) Plane(id uint32) (*Plane, error) {
	counts := sysGetPlane{planeID: id}
	if err := ioctl(c.fd(), ioctlModeGetPlane, unsafe.Pointer(&counts)); err != nil {
		return nil, fmt.Errorf("MODE_GETPLANE %d: %w", id, err)
	}
	p := &Plane{ID: id, Formats: make([]uint32, counts.countFormatTypes)}
	fill := sysGetPlane{
		planeID:          id,
		countFormatTypes: counts.countFormatTypes,
		formatTypePtr:    ptr(p.Formats),
	}
	err := ioctl(c.fd(), ioctlModeGetPlane, unsafe.Pointer(&fill))
	runtime.KeepAlive(p)
	if err != nil {
		return nil, fmt.Errorf("MODE_GETPLANE %d: %w", id, err)
	}
	p.CrtcID = fill.crtcID
	p.FbID = fill.fbID
	p.PossibleCrtcs = fill.possibleCrtcs
	return p, nil
}

// ObjectProperties returns the property ids and values of a mode object,
// keyed by property name.
func (c *Card) ObjectProperties(objID, objType uint32) (map[string]Property, error) {
	counts := sysObjGetProperties{objID: objID, objType: objType}
	if err := ioctl(c.fd(), ioctlModeObjGetProperties, unsafe.Pointer(&counts)); err != nil {
		return nil, fmt.Errorf("MODE_OBJ_GETPROPERTIES %d: %w", objID, err)
	}
	ids := make([]uint32, counts.countProps)
	values := make([]uint64, counts.countProps)
	fill := sysObjGetProperties{
		propsPtr:      ptr(ids),
		propValuesPtr: ptr(values),
		countProps:    counts.countProps,
		objID:         objID,
		objType:       objType,
	}
	err := ioctl(c.fd(), ioctlModeObjGetProperties, unsafe.Pointer(&fill))
	runtime.KeepAlive(ids)
	runtime.KeepAlive(values)
	if err != nil {
		return nil, fmt.Errorf("MODE_OBJ_GETPROPERTIES %d: %w", objID, err)
	}

	props := make(map[string]Property, len(ids))
	for i, id := range ids {
		name, err := c.propertyName(id)
		if err != nil {
			return nil, err
		}
		props[name] = Property{ID: id, Value: values[i]}
	}
	return props, nil
}

// Property is a property id with its current value.
type Property struct {
	ID    uint32
	Value uint64
}

func (c *Card) propertyName(id uint32) (string, error) {
	arg := sysGetProperty{propID: id}
	if err := ioctl(c.fd(), ioctlModeGetProperty, unsafe.Pointer(&arg)); err != nil {
		return "", fmt.Errorf("MODE_GETPROPERTY %d: %w", id, err)
	}
	return cstr(arg.name[:]), nil
}

// SetObjectProperty sets a single property outside an atomic commit.
func (c *Card) SetObjectProperty(objID, objType, propID uint32, value uint64) error {
	arg := sysObjSetProperty{value: value, propID: propID, objID: objID, objType: objType}
	if err := ioctl(c.fd(), ioctlModeObjSetProperty, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("MODE_OBJ_SETPROPERTY %d/%d: %w", objID, propID, err)
	}
	return nil
}

// AtomicCommit submits props grouped by object in the order they first appear.
func (c *Card) AtomicCommit(props []AtomicProperty, flags uint32) error {
	if len(props) == 0 {
		return errors.New("empty atomic request")
	}

	var (
		objs       []uint32
		counts     []uint32
		propIDs    []uint32
		propValues []uint64
	)
	index := make(map[uint32]int)
	grouped := make([][]AtomicProperty, 0)
	for _, p := range props {
		i, ok := index[p.ObjectID]
		if !ok {
			i = len(grouped)
			index[p.ObjectID] = i
			objs = append(objs, p.ObjectID)
			grouped = append(grouped, nil)
		}
		grouped[i] = append(grouped[i], p)
	}
	for _, g := range grouped {
		counts = append(counts, uint32(len(g)))
		for _, p := range g {
			propIDs = append(propIDs, p.PropertyID)
			propValues = append(propValues, p.Value)
		}
	}

	arg := sysAtomic{
		flags:         flags,
		countObjs:     uint32(len(objs)),
		objsPtr:       ptr(objs),
		countPropsPtr: ptr(counts),
		propsPtr:      ptr(propIDs),
		propValuesPtr: ptr(propValues),
	}
	err := ioctl(c.fd(), ioctlModeAtomic, unsafe.Pointer(&arg))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(propIDs)
	runtime.KeepAlive(propValues)
	if err != nil {
		return fmt.Errorf("MODE_ATOMIC: %w", err)
	}
	return nil
}

// CreateBlob uploads data as a property blob and returns its id.
func (c *Card) CreateBlob(data []byte) (uint32, error) {
	arg := sysCreateBlob{data: ptr(data), length: uint32(len(data))}
	err := ioctl(c.fd(), ioctlModeCreateBlob, unsafe.Pointer(&arg))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, fmt.Errorf("MODE_CREATEPROPBLOB: %w", err)
	}
	return arg.blobID, nil
}

// DestroyBlob releases a property blob.
func (c *Card) DestroyBlob(id uint32) error {
	arg := sysDestroyBlob{blobID: id}
	if err := ioctl(c.fd(), ioctlModeDestroyBlob, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("MODE_DESTROYPROPBLOB %d: %w", id, err)
	}
	return nil
}
