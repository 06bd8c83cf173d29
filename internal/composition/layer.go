// Package composition holds one frame's worth of layers for a display, decides
// how they map onto hardware planes and tracks the fence timeline that
// releases them.
package composition

import (
	"fmt"
	"strings"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/geom"
)

// Blending is how a layer combines with what is below it.
type Blending int

const (
	BlendNone Blending = iota
	BlendPreMultiplied
	BlendCoverage
)

func (b Blending) String() string {
	switch b {
	case BlendNone:
		return "none"
	case BlendPreMultiplied:
		return "premultiplied"
	case BlendCoverage:
		return "coverage"
	default:
		return fmt.Sprintf("Blending(%d)", int(b))
	}
}

// ParseBlending accepts the names produced by Blending.String.
func ParseBlending(s string) (Blending, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return BlendNone, nil
	case "premultiplied", "premult":
		return BlendPreMultiplied, nil
	case "coverage":
		return BlendCoverage, nil
	}
	return 0, fmt.Errorf("unknown blending %q", s)
}

// Transform is a bitmask of flips and rotations applied to a layer.
type Transform uint32

const (
	TransformIdentity Transform = 0
	TransformFlipH    Transform = 1 << 0
	TransformFlipV    Transform = 1 << 1
	TransformRotate90 Transform = 1 << 2
	// TransformRotate180 and TransformRotate270 are exclusive with Rotate90.
	TransformRotate180 Transform = 1 << 3
	TransformRotate270 Transform = 1 << 4
)

// Layer is one client surface for one frame.
type Layer struct {
	// Handle identifies the client buffer; a new handle means new contents.
	Handle       buffer.Handle
	Buffer       *buffer.Ref
	SourceCrop   geom.Rect[float64]
	DisplayFrame geom.Rect[int]
	Blending     Blending
	Transform    Transform
	Alpha        uint8
	Protected    bool

	// AcquireFence signals when the producer finished writing the buffer.
	AcquireFence *fence.Fence
	// ReleaseFence is filled with a fence that signals when the display no
	// longer reads the buffer. Nil when the caller does not want one.
	ReleaseFence *fence.OutputFence
}

// Import attaches an imported buffer for l.Handle.
func (l *Layer) Import(importer buffer.Importer) error {
	ref, err := buffer.Import(importer, l.Handle)
	if err != nil {
		return NewError(CodeAllocationFailure, "import layer buffer", err)
	}
	if l.Buffer != nil {
		_ = l.Buffer.Release()
	}
	l.Buffer = ref
	return nil
}

// Object returns the imported buffer, if any.
func (l *Layer) Object() *buffer.Object {
	return l.Buffer.Object()
}

// Release drops the acquire fence and the buffer import.
func (l *Layer) Release() {
	if l.AcquireFence != nil {
		_ = l.AcquireFence.Close()
		l.AcquireFence = nil
	}
	if l.Buffer != nil {
		_ = l.Buffer.Release()
	}
}

// FullCrop returns a source crop covering an entire w x h buffer.
func FullCrop(w, h int) geom.Rect[float64] {
	return geom.R(0, 0, float64(w), float64(h))
}
