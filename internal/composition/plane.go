package composition

import (
	"fmt"

	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
)

// PlaneType is the role of a plane in a composition.
type PlaneType int

const (
	PlaneDisable PlaneType = iota
	PlaneLayer
	PlanePrecomp
	PlaneSquash
)

func (t PlaneType) String() string {
	switch t {
	case PlaneDisable:
		return "disable"
	case PlaneLayer:
		return "layer"
	case PlanePrecomp:
		return "precomp"
	case PlaneSquash:
		return "squash"
	default:
		return fmt.Sprintf("PlaneType(%d)", int(t))
	}
}

// Plane assigns a hardware plane to a role. Layer planes carry exactly one
// source layer by commit time; Precomp and Squash planes carry the index of
// the pre-blended buffer once the compositor produced it.
type Plane struct {
	Type         PlaneType
	Plane        *kms.Plane
	Crtc         *kms.Crtc
	SourceLayers []int
}

// Region is a rectangle and the layers, bottom to top, visible inside it.
type Region struct {
	Frame        geom.Rect[int]
	SourceLayers []int
}

// PlanePool is the set of hardware planes still unassigned in a frame. It is
// passed by value from one display's plan to the next.
type PlanePool struct {
	Primary []*kms.Plane
	Overlay []*kms.Plane
}

// Without returns the pool minus every plane referenced by used.
func (p PlanePool) Without(used []Plane) PlanePool {
	taken := make(map[*kms.Plane]bool, len(used))
	for _, u := range used {
		if u.Plane != nil {
			taken[u.Plane] = true
		}
	}
	keep := func(in []*kms.Plane) []*kms.Plane {
		out := make([]*kms.Plane, 0, len(in))
		for _, pl := range in {
			if !taken[pl] {
				out = append(out, pl)
			}
		}
		return out
	}
	return PlanePool{Primary: keep(p.Primary), Overlay: keep(p.Overlay)}
}

// Len returns the total number of planes in the pool.
func (p PlanePool) Len() int {
	return len(p.Primary) + len(p.Overlay)
}
