package composition

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/separate"
	"github.com/smazurov/hwcomposer/internal/squash"
)

// Type is the kind of work a DisplayComposition carries. It is set once.
type Type int

const (
	TypeEmpty Type = iota
	TypeFrame
	TypeDPMS
	TypeModeset
)

func (t Type) String() string {
	switch t {
	case TypeEmpty:
		return "empty"
	case TypeFrame:
		return "frame"
	case TypeDPMS:
		return "dpms"
	case TypeModeset:
		return "modeset"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// DPMS modes accepted by SetDPMSMode.
const (
	DPMSOn  = kms.DPMSOn
	DPMSOff = kms.DPMSOff
)

// Deps are the collaborators a DisplayComposition needs.
type Deps struct {
	Logger    *slog.Logger
	Planner   *Planner
	Importer  buffer.Importer
	Timelines fence.TimelineFactory
}

// DisplayComposition is one unit of work for one display: a frame, a DPMS
// change or a modeset.
type DisplayComposition struct {
	logger   *slog.Logger
	planner  *Planner
	importer buffer.Importer
	crtc     *kms.Crtc
	frameNo  uint64

	timeline        fence.Timeline
	timelineNext    uint64
	timelineCurrent uint64
	squashDone      uint64
	precompDone     uint64

	typ             Type
	dpmsMode        uint32
	mode            kms.Mode
	layers          []*Layer
	geometryChanged bool

	squashRegions  []Region
	precompRegions []Region
	planes         []Plane
}

// NewDisplayComposition creates an empty composition for crtc with its own
// fence timeline.
func NewDisplayComposition(deps Deps, crtc *kms.Crtc, frameNo uint64) (*DisplayComposition, error) {
	tl, err := deps.Timelines()
	if err != nil {
		return nil, NewError(CodeAllocationFailure, "create composition timeline", err)
	}
	return &DisplayComposition{
		logger:   deps.Logger,
		planner:  deps.Planner,
		importer: deps.Importer,
		crtc:     crtc,
		frameNo:  frameNo,
		timeline: tl,
	}, nil
}

func (c *DisplayComposition) Type() Type                { return c.typ }
func (c *DisplayComposition) Crtc() *kms.Crtc           { return c.crtc }
func (c *DisplayComposition) FrameNo() uint64           { return c.frameNo }
func (c *DisplayComposition) Importer() buffer.Importer { return c.importer }
func (c *DisplayComposition) DPMSMode() uint32          { return c.dpmsMode }
func (c *DisplayComposition) Mode() kms.Mode            { return c.mode }
func (c *DisplayComposition) GeometryChanged() bool     { return c.geometryChanged }
func (c *DisplayComposition) Layers() []*Layer          { return c.layers }
func (c *DisplayComposition) SquashRegions() []Region   { return c.squashRegions }
func (c *DisplayComposition) PrecompRegions() []Region  { return c.precompRegions }
func (c *DisplayComposition) Planes() []Plane           { return c.planes }

// Display returns the display index of the composition's crtc.
func (c *DisplayComposition) Display() int {
	if c.crtc == nil {
		return -1
	}
	return c.crtc.Display
}

func (c *DisplayComposition) setType(t Type) error {
	if c.typ != TypeEmpty && c.typ != t {
		return NewError(CodeInvalidState, fmt.Sprintf("cannot make %s composition a %s", c.typ, t), ErrTypeMismatch)
	}
	c.typ = t
	return nil
}

// SetLayers takes ownership of layers and marks the composition a frame.
func (c *DisplayComposition) SetLayers(layers []*Layer, geometryChanged bool) error {
	if err := c.setType(TypeFrame); err != nil {
		return err
	}
	c.geometryChanged = geometryChanged
	c.layers = append(c.layers, layers...)
	return nil
}

// SetDPMSMode marks the composition a DPMS change.
func (c *DisplayComposition) SetDPMSMode(mode uint32) error {
	if mode != DPMSOn && mode != DPMSOff {
		return NewError(CodeConfiguration, fmt.Sprintf("dpms mode %d", mode), ErrInvalidDPMSMode)
	}
	if err := c.setType(TypeDPMS); err != nil {
		return err
	}
	c.dpmsMode = mode
	return nil
}

// SetDisplayMode marks the composition a modeset. The display is turned on
// as part of it.
func (c *DisplayComposition) SetDisplayMode(mode kms.Mode) error {
	if err := c.setType(TypeModeset); err != nil {
		return err
	}
	c.mode = mode
	c.dpmsMode = DPMSOn
	return nil
}

// AddPlaneDisable appends a plane that must be turned off.
func (c *DisplayComposition) AddPlaneDisable(p *kms.Plane) {
	c.planes = append(c.planes, Plane{Type: PlaneDisable, Plane: p, Crtc: c.crtc})
}

// AddPlaneComposition appends an already-resolved plane assignment.
func (c *DisplayComposition) AddPlaneComposition(p Plane) {
	c.planes = append(c.planes, p)
}

// SetPlaneSources replaces the source layers of the i-th plane.
func (c *DisplayComposition) SetPlaneSources(i int, sources ...int) {
	c.planes[i].SourceLayers = sources
}

// Plan decides the squash regions, the plane assignment and the
// precomposition regions of a frame, consuming planes from pool. It returns
// the pool left for the next display. Non-frame compositions return pool
// unchanged.
func (c *DisplayComposition) Plan(state *squash.State, pool PlanePool) (PlanePool, error) {
	if c.typ != TypeFrame {
		return pool, nil
	}

	toComposite := make(map[int]*Layer, len(c.layers))
	useSquash := false
	var excludeRects []geom.Rect[int]

	if state != nil {
		inputs := c.squashInputs()
		squashArea := make([]int, len(c.layers))
		if c.geometryChanged {
			state.Init(inputs)
		} else {
			changed := state.GenerateHistory(inputs)
			stable := state.StableRegionsWithMarginalHistory(changed)
			useSquash = slices.Contains(stable, true)
			state.RecordHistory(inputs, changed)
			renderSquash := state.RecordAndCompareSquashed(stable)

			regions := state.Regions()
			for i, region := range regions {
				if !stable[i] {
					continue
				}
				excludeRects = append(excludeRects, region.Rect)
				ids := region.Layers.IDs()
				if renderSquash {
					c.squashRegions = append(c.squashRegions, Region{Frame: region.Rect, SourceLayers: ids})
				}
				area := region.Rect.Area()
				for _, id := range ids {
					if id < len(squashArea) {
						squashArea[id] += area
					}
				}
			}
		}
		for i, l := range c.layers {
			if squashArea[i] < l.DisplayFrame.Area() {
				toComposite[i] = l
			}
		}
	} else {
		for i, l := range c.layers {
			toComposite[i] = l
		}
	}

	planes, err := c.planner.ProvisionPlanes(toComposite, useSquash, c.crtc, pool.Primary, pool.Overlay)
	if err != nil {
		c.logger.Error("Planner failed provisioning planes", "display", c.Display(), "error", err)
		return pool, err
	}
	for i := range planes {
		slices.Sort(planes[i].SourceLayers)
	}
	c.planes = planes

	return pool.Without(planes), c.FinalizeComposition(excludeRects)
}

func (c *DisplayComposition) squashInputs() []squash.Input {
	inputs := make([]squash.Input, len(c.layers))
	for i, l := range c.layers {
		inputs[i] = squash.Input{Frame: l.DisplayFrame, Handle: l.Handle, Protected: l.Protected}
	}
	return inputs
}

// FinalizeComposition computes the precomposition regions and hands out the
// release fences. excludeRects are areas already covered by the squash
// buffer.
func (c *DisplayComposition) FinalizeComposition(excludeRects []geom.Rect[int]) error {
	if err := c.separateLayers(excludeRects); err != nil {
		return err
	}
	return c.CreateAndAssignReleaseFences()
}

// separateLayers splits the precomposition plane's layers into regions.
// Regions already covered by an exclude rect are dropped. Where a region
// overlaps a layer with a dedicated plane, precomposed layers below that
// layer are removed so the precomposition buffer does not cover it.
func (c *DisplayComposition) separateLayers(excludeRects []geom.Rect[int]) error {
	var (
		dedicated []int
		precomp   *Plane
	)
	for i := range c.planes {
		switch c.planes[i].Type {
		case PlaneLayer:
			dedicated = append(dedicated, c.planes[i].SourceLayers...)
		case PlanePrecomp:
			if precomp == nil {
				precomp = &c.planes[i]
			}
		}
	}
	if precomp == nil {
		return nil
	}

	compLayers := precomp.SourceLayers
	if len(compLayers)+len(dedicated) > separate.MaxRects {
		c.logger.Error("Too many layers to separate", "precomp", len(compLayers), "dedicated", len(dedicated))
		return NewError(CodeResourceExhaustion, "separate precomposition layers", ErrTooManyLayers).
			With("layers", len(compLayers)+len(dedicated))
	}
	if room := separate.MaxRects - len(compLayers) - len(dedicated); len(excludeRects) > room {
		c.logger.Warn("Truncating exclude rects to fit the separation limit",
			"exclude", len(excludeRects), "kept", room)
		excludeRects = excludeRects[:room]
	}

	numExclude := len(excludeRects)
	layerOffset := numExclude + len(dedicated)
	rects := make([]geom.Rect[int], 0, layerOffset+len(compLayers))
	rects = append(rects, excludeRects...)
	for _, d := range dedicated {
		rects = append(rects, c.layers[d].DisplayFrame)
	}
	for _, l := range compLayers {
		rects = append(rects, c.layers[l].DisplayFrame)
	}

	regions, err := separate.SeparateInts(rects)
	if err != nil {
		return NewError(CodeResourceExhaustion, "separate precomposition layers", err)
	}

	var excludeMask geom.IDSet
	for i := range numExclude {
		excludeMask, _ = excludeMask.Add(i)
	}

	c.precompRegions = c.precompRegions[:0]
	for _, region := range regions {
		ids := region.IDs
		if !ids.Intersect(excludeMask).Empty() {
			continue
		}
		for i, d := range dedicated {
			if !ids.Has(numExclude + i) {
				continue
			}
			for j, l := range compLayers {
				if l < d {
					ids = ids.Remove(layerOffset + j)
				}
			}
		}
		members := ids.Shift(layerOffset)
		if members.Empty() {
			continue
		}
		sources := make([]int, 0, members.Len())
		for _, j := range members.IDs() {
			sources = append(sources, compLayers[j])
		}
		c.precompRegions = append(c.precompRegions, Region{Frame: region.Rect, SourceLayers: sources})
	}

	if len(c.precompRegions) == 0 {
		// Everything the precomposition plane would show is already in the
		// squash buffer.
		precomp.Type = PlaneDisable
		precomp.SourceLayers = nil
	}
	return nil
}

// CreateNextTimelineFence advances the handed-out counter and returns a fence
// bound to the new value.
func (c *DisplayComposition) CreateNextTimelineFence() (*fence.Fence, error) {
	c.timelineNext++
	f, err := c.timeline.CreateFence(c.timelineNext)
	if err != nil {
		return nil, NewError(CodeAllocationFailure, "create timeline fence", err)
	}
	return f, nil
}

// CreateAndAssignReleaseFences gives each layer with a release slot a fence
// that signals once the last pipeline stage touching the layer finished:
// squash, precomposition or scanout.
func (c *DisplayComposition) CreateAndAssignReleaseFences() error {
	var squashLayers, precompLayers, planeLayers geom.IDSet

	for _, r := range c.squashRegions {
		for _, l := range r.SourceLayers {
			squashLayers, _ = squashLayers.Add(l)
		}
	}
	for _, r := range c.precompRegions {
		for _, l := range r.SourceLayers {
			precompLayers, _ = precompLayers.Add(l)
			squashLayers = squashLayers.Remove(l)
		}
	}
	for _, p := range c.planes {
		if p.Type != PlaneLayer {
			continue
		}
		for _, l := range p.SourceLayers {
			planeLayers, _ = planeLayers.Add(l)
			precompLayers = precompLayers.Remove(l)
		}
	}

	if err := c.assignFences(squashLayers); err != nil {
		return err
	}
	c.squashDone = c.timelineNext

	if err := c.assignFences(precompLayers); err != nil {
		return err
	}
	c.precompDone = c.timelineNext

	return c.assignFences(planeLayers)
}

func (c *DisplayComposition) assignFences(layers geom.IDSet) error {
	for _, i := range layers.IDs() {
		if i >= len(c.layers) {
			continue
		}
		slot := c.layers[i].ReleaseFence
		if slot == nil {
			continue
		}
		f, err := c.CreateNextTimelineFence()
		if err != nil {
			return err
		}
		if err := slot.Reserve(c.timelineNext); err != nil {
			_ = f.Close()
			return NewError(CodeInvalidState, fmt.Sprintf("release fence of layer %d", i), err)
		}
		if err := slot.Set(f); err != nil {
			return NewError(CodeInvalidState, fmt.Sprintf("release fence of layer %d", i), err)
		}
	}
	return nil
}

func (c *DisplayComposition) increaseTimelineToPoint(point uint64) error {
	if point <= c.timelineCurrent {
		return nil
	}
	if err := c.timeline.Advance(point - c.timelineCurrent); err != nil {
		c.logger.Error("Failed to advance composition timeline", "point", point, "error", err)
		return err
	}
	c.timelineCurrent = point
	return nil
}

// SignalSquashDone releases every layer whose last stage was the squash pass.
func (c *DisplayComposition) SignalSquashDone() error {
	return c.increaseTimelineToPoint(c.squashDone)
}

// SignalPreCompDone releases every layer whose last stage was precomposition.
func (c *DisplayComposition) SignalPreCompDone() error {
	return c.increaseTimelineToPoint(c.precompDone)
}

// SignalCompositionDone releases everything the composition handed out.
func (c *DisplayComposition) SignalCompositionDone() error {
	return c.increaseTimelineToPoint(c.timelineNext)
}

// Checkpoints returns the squash, precomposition and final timeline points.
func (c *DisplayComposition) Checkpoints() (squashDone, precompDone, done uint64) {
	return c.squashDone, c.precompDone, c.timelineNext
}

// TimelineCurrent returns the point the timeline has been advanced to.
func (c *DisplayComposition) TimelineCurrent() uint64 {
	return c.timelineCurrent
}

// TakeLayers removes and returns the layers at the given indices, in order.
// The remaining slots are left nil.
func (c *DisplayComposition) TakeLayers(indices []int) []*Layer {
	out := make([]*Layer, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(c.layers) || c.layers[i] == nil {
			continue
		}
		out = append(out, c.layers[i])
		c.layers[i] = nil
	}
	return out
}

// RestoreLayers puts layers taken with TakeLayers back at indices.
func (c *DisplayComposition) RestoreLayers(indices []int, layers []*Layer) {
	k := 0
	for _, i := range indices {
		if k >= len(layers) {
			return
		}
		if i < 0 || i >= len(c.layers) || c.layers[i] != nil {
			continue
		}
		c.layers[i] = layers[k]
		k++
	}
}

// AppendLayer adds a compositor-owned layer and returns its index.
func (c *DisplayComposition) AppendLayer(l *Layer) int {
	c.layers = append(c.layers, l)
	return len(c.layers) - 1
}

// Retire signals everything done, releases the layers and closes the
// timeline. The composition must not be used afterwards.
func (c *DisplayComposition) Retire() {
	if c.timeline == nil {
		return
	}
	_ = c.SignalCompositionDone()
	for _, l := range c.layers {
		if l != nil {
			l.Release()
		}
	}
	c.layers = nil
	_ = c.timeline.Close()
	c.timeline = nil
}
