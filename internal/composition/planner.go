package composition

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/smazurov/hwcomposer/internal/kms"
)

// Stage provisions planes for some of the remaining layers. Layers it handles
// are removed from layers; planes it consumes are removed from planes.
type Stage func(p *Planner, composition *[]Plane, layers map[int]*Layer, crtc *kms.Crtc, planes *[]*kms.Plane) error

// reservationOrder lists the roles reserved from the top of the usable plane
// list before the stages run, highest z first. The squash plane sits above the
// precomposition plane when both are present.
var reservationOrder = [...]PlaneType{PlaneSquash, PlanePrecomp}

// Planner bin-packs layers onto hardware planes.
type Planner struct {
	logger *slog.Logger
	stages []Stage
}

// NewPlanner returns a planner running the protected-content stage followed
// by the greedy stage.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{
		logger: logger,
		stages: []Stage{ProtectedStage, GreedyStage},
	}
}

// NewPlannerWithStages returns a planner running the given stages in order.
func NewPlannerWithStages(logger *slog.Logger, stages ...Stage) *Planner {
	return &Planner{logger: logger, stages: stages}
}

// UsablePlanes returns the primary then overlay planes that can drive crtc.
func UsablePlanes(crtc *kms.Crtc, primary, overlay []*kms.Plane) []*kms.Plane {
	var usable []*kms.Plane
	for _, pool := range [][]*kms.Plane{primary, overlay} {
		for _, p := range pool {
			if p.SupportsCrtc(crtc) {
				usable = append(usable, p)
			}
		}
	}
	return usable
}

// ProvisionPlanes assigns planes to layers. The layers map is keyed by
// z-order and is consumed. A Squash plane, when requested and available, is
// always the last entry of the result and has no source layers.
func (p *Planner) ProvisionPlanes(layers map[int]*Layer, useSquash bool, crtc *kms.Crtc, primary, overlay []*kms.Plane) ([]Plane, error) {
	planes := UsablePlanes(crtc, primary, overlay)
	if len(planes) == 0 {
		display := -1
		if crtc != nil {
			display = crtc.Display
		}
		p.logger.Error("Display has no usable planes", "display", display)
		return nil, NewError(CodeResourceExhaustion, "provision planes", ErrNoUsablePlanes).With("display", display)
	}

	var (
		composition []Plane
		squashPlane *kms.Plane
	)
	for _, role := range reservationOrder {
		switch role {
		case PlaneSquash:
			if !useSquash {
				continue
			}
			if pl, ok := popBack(&planes); ok {
				squashPlane = pl
			} else {
				p.logger.Info("Not enough planes to reserve for squash framebuffer")
			}
		case PlanePrecomp:
			if len(layers) <= len(planes) {
				continue
			}
			if pl, ok := popBack(&planes); ok {
				composition = append(composition, Plane{Type: PlanePrecomp, Plane: pl, Crtc: crtc})
			} else {
				p.logger.Error("Not enough planes to reserve for precomposition")
			}
		}
	}

	for _, stage := range p.stages {
		if err := stage(p, &composition, layers, crtc, &planes); err != nil {
			p.logger.Error("Plane provisioning stage failed", "error", err)
			return nil, err
		}
	}

	if squashPlane != nil {
		composition = append(composition, Plane{Type: PlaneSquash, Plane: squashPlane, Crtc: crtc})
	}
	return composition, nil
}

// ProtectedStage gives every protected layer a dedicated plane. Unprotected
// layers at or below the highest protected layer go to precomposition, so the
// protected plane is never composited over by the GPU.
func ProtectedStage(p *Planner, composition *[]Plane, layers map[int]*Layer, crtc *kms.Crtc, planes *[]*kms.Plane) error {
	protectedZ := -1
	for _, z := range sortedKeys(layers) {
		if !layers[z].Protected {
			continue
		}
		if err := emplace(composition, planes, PlaneLayer, crtc, z); err != nil {
			p.logger.Error("Failed to dedicate protected layer, dropping it", "layer", z, "error", err)
		}
		protectedZ = z
		delete(layers, z)
	}
	if protectedZ < 0 {
		return nil
	}

	for _, z := range sortedKeys(layers) {
		if z > protectedZ {
			continue
		}
		if precomp := precompPlane(*composition); precomp != nil {
			precomp.SourceLayers = append(precomp.SourceLayers, z)
		} else if pl, ok := popBack(planes); ok {
			*composition = append(*composition, Plane{Type: PlanePrecomp, Plane: pl, Crtc: crtc, SourceLayers: []int{z}})
		} else {
			p.logger.Error("Not enough planes to reserve for precomposition", "layer", z)
		}
		delete(layers, z)
	}
	return nil
}

// GreedyStage gives each remaining layer, bottom first, its own plane until
// the planes run out. The rest go to the precomposition plane if there is one
// and are dropped otherwise.
func GreedyStage(p *Planner, composition *[]Plane, layers map[int]*Layer, crtc *kms.Crtc, planes *[]*kms.Plane) error {
	for _, z := range sortedKeys(layers) {
		if err := emplace(composition, planes, PlaneLayer, crtc, z); err != nil {
			break
		}
		delete(layers, z)
	}

	precomp := precompPlane(*composition)
	for _, z := range sortedKeys(layers) {
		if precomp != nil {
			precomp.SourceLayers = append(precomp.SourceLayers, z)
		} else {
			p.logger.Warn("No plane for layer, dropping it", "layer", z)
		}
		delete(layers, z)
	}
	return nil
}

func emplace(composition *[]Plane, planes *[]*kms.Plane, typ PlaneType, crtc *kms.Crtc, layer int) error {
	if len(*planes) == 0 {
		return ErrNoPlanesLeft
	}
	pl := (*planes)[0]
	*planes = (*planes)[1:]
	*composition = append(*composition, Plane{Type: typ, Plane: pl, Crtc: crtc, SourceLayers: []int{layer}})
	return nil
}

func popBack(planes *[]*kms.Plane) (*kms.Plane, bool) {
	n := len(*planes)
	if n == 0 {
		return nil, false
	}
	pl := (*planes)[n-1]
	*planes = (*planes)[:n-1]
	return pl, true
}

func precompPlane(composition []Plane) *Plane {
	for i := range composition {
		if composition[i].Type == PlanePrecomp {
			return &composition[i]
		}
	}
	return nil
}

func sortedKeys(layers map[int]*Layer) []int {
	return slices.Sorted(maps.Keys(layers))
}
