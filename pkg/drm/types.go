// Package drm wraps the subset of the kernel mode-setting ioctls needed to
// drive atomic plane commits.
package drm

import (
	"bytes"
	"encoding/binary"
)

const (
	displayModeLen = 32
	propNameLen    = 32
)

// Atomic commit flags.
const (
	PageFlipEvent      = 0x01
	AtomicTestOnly     = 0x0100
	AtomicNonBlock     = 0x0200
	AtomicAllowModeSet = 0x0400
)

// Object types used by the property ioctls.
const (
	ObjectCRTC      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectPlane     = 0xeeeeeeee
)

// Plane type enum values exposed through the "type" property.
const (
	PlaneTypeOverlay = 0
	PlaneTypePrimary = 1
	PlaneTypeCursor  = 2
)

// Rotation property bits.
const (
	Rotate0   = 1 << 0
	Rotate90  = 1 << 1
	Rotate180 = 1 << 2
	Rotate270 = 1 << 3
	ReflectX  = 1 << 4
	ReflectY  = 1 << 5
)

// Legacy DPMS property values.
const (
	DPMSOn  = 0
	DPMSOff = 3
)

// Connection status values reported by a connector.
const (
	Connected    = 1
	Disconnected = 2
)

// FourCC pixel formats.
const (
	FormatXRGB8888 = 0x34325258 // XR24
	FormatARGB8888 = 0x34325241 // AR24
)

// ModeInfo mirrors struct drm_mode_modeinfo.
type ModeInfo struct {
	Clock                                         uint32
	Hdisplay, HsyncStart, HsyncEnd, Htotal, Hskew uint16
	Vdisplay, VsyncStart, VsyncEnd, Vtotal, Vscan uint16

	Vrefresh uint32
	Flags    uint32
	Type     uint32
	Name     [displayModeLen]uint8
}

// ModeName returns the NUL-terminated mode name.
func (m *ModeInfo) ModeName() string {
	return cstr(m.Name[:])
}

// SetName stores name, truncated to the kernel's limit.
func (m *ModeInfo) SetName(name string) {
	m.Name = [displayModeLen]uint8{}
	copy(m.Name[:displayModeLen-1], name)
}

// Marshal encodes the mode in the layout expected by property blobs.
func (m *ModeInfo) Marshal() []byte {
	var buf bytes.Buffer
	// Writing fixed-size values into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.NativeEndian, m)
	return buf.Bytes()
}

// AtomicProperty is one (object, property, value) triple of a commit.
type AtomicProperty struct {
	ObjectID   uint32
	PropertyID uint32
	Value      uint64
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
