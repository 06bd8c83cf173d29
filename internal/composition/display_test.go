package composition

import (
	"errors"
	"image"
	"slices"
	"testing"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/squash"
)

func testDeps() Deps {
	return Deps{
		Logger:    testLogger(),
		Planner:   NewPlanner(testLogger()),
		Timelines: fence.SoftFactory,
	}
}

func newTestComposition(t *testing.T, dev kms.Device, display int) *DisplayComposition {
	t.Helper()
	c, err := NewDisplayComposition(testDeps(), dev.Crtc(display), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Retire)
	return c
}

func frameLayers(frames ...geom.Rect[int]) []*Layer {
	layers := make([]*Layer, len(frames))
	for i, f := range frames {
		layers[i] = &Layer{
			Handle:       buffer.Handle(i + 1),
			DisplayFrame: f,
			SourceCrop:   FullCrop(f.Width(), f.Height()),
			ReleaseFence: fence.NewOutputFence(),
		}
	}
	return layers
}

func poolFor(dev kms.Device, display int) PlanePool {
	primary, overlay := kms.PlanesFor(dev, display)
	return PlanePool{Primary: primary, Overlay: overlay}
}

func countPlanes(planes []Plane, typ PlaneType) int {
	n := 0
	for _, p := range planes {
		if p.Type == typ {
			n++
		}
	}
	return n
}

func TestCompositionTypeIsSetOnce(t *testing.T) {
	dev := singleDisplay(1)

	c := newTestComposition(t, dev, 0)
	if err := c.SetLayers(frameLayers(square(0)), true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLayers(frameLayers(square(1)), false); err != nil {
		t.Fatalf("second SetLayers: %v", err)
	}
	if len(c.Layers()) != 2 {
		t.Errorf("got %d layers, want 2", len(c.Layers()))
	}
	err := c.SetDPMSMode(DPMSOff)
	if !IsCode(err, CodeInvalidState) || !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("SetDPMSMode on frame: err = %v", err)
	}
	if err := c.SetDisplayMode(kms.NewMode(640, 480, 60)); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("SetDisplayMode on frame: err = %v", err)
	}
	if c.Type() != TypeFrame {
		t.Errorf("Type() = %v", c.Type())
	}

	d := newTestComposition(t, dev, 0)
	if err := d.SetDPMSMode(7); !IsCode(err, CodeConfiguration) || !errors.Is(err, ErrInvalidDPMSMode) {
		t.Errorf("SetDPMSMode(7): err = %v", err)
	}
	if d.Type() != TypeEmpty {
		t.Errorf("invalid dpms mode changed type to %v", d.Type())
	}

	m := newTestComposition(t, dev, 0)
	if err := m.SetDisplayMode(kms.NewMode(640, 480, 60)); err != nil {
		t.Fatal(err)
	}
	if m.DPMSMode() != DPMSOn {
		t.Errorf("modeset DPMSMode() = %d, want on", m.DPMSMode())
	}
	if m.Mode().Width() != 640 {
		t.Errorf("Mode() = %v", m.Mode())
	}
}

func TestPlanSkipsNonFrame(t *testing.T) {
	dev := singleDisplay(2)
	c := newTestComposition(t, dev, 0)
	if err := c.SetDPMSMode(DPMSOff); err != nil {
		t.Fatal(err)
	}
	pool := poolFor(dev, 0)
	left, err := c.Plan(nil, pool)
	if err != nil {
		t.Fatal(err)
	}
	if left.Len() != pool.Len() {
		t.Errorf("dpms composition consumed planes: %d left of %d", left.Len(), pool.Len())
	}
	if len(c.Planes()) != 0 {
		t.Errorf("dpms composition has planes %v", c.Planes())
	}
}

func TestPlanDedicatedPlanes(t *testing.T) {
	dev := singleDisplay(3)
	c := newTestComposition(t, dev, 0)
	if err := c.SetLayers(frameLayers(square(0), square(1), square(2)), true); err != nil {
		t.Fatal(err)
	}

	left, err := c.Plan(nil, poolFor(dev, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got := countPlanes(c.Planes(), PlaneLayer); got != 3 {
		t.Errorf("got %d layer planes, want 3", got)
	}
	if got := countPlanes(c.Planes(), PlanePrecomp); got != 0 {
		t.Errorf("got %d precomp planes, want 0", got)
	}
	if len(c.PrecompRegions()) != 0 {
		t.Errorf("precomp regions = %v", c.PrecompRegions())
	}
	if left.Len() != 1 {
		t.Errorf("%d planes left, want 1", left.Len())
	}
}

func TestPlanOverlappingLayers(t *testing.T) {
	dev := singleDisplay(1)
	c := newTestComposition(t, dev, 0)
	frame := geom.R(0, 0, 100, 100)
	if err := c.SetLayers(frameLayers(frame, frame, frame, frame, frame), true); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Plan(nil, poolFor(dev, 0)); err != nil {
		t.Fatal(err)
	}
	if got := countPlanes(c.Planes(), PlanePrecomp); got != 1 {
		t.Fatalf("got %d precomp planes, want 1", got)
	}
	for _, p := range c.Planes() {
		if p.Type == PlaneLayer && !slices.Equal(p.SourceLayers, []int{0}) {
			t.Errorf("dedicated plane sources = %v, want [0]", p.SourceLayers)
		}
	}
	regions := c.PrecompRegions()
	if len(regions) != 1 {
		t.Fatalf("got %d precomp regions, want 1", len(regions))
	}
	if regions[0].Frame != frame {
		t.Errorf("region frame = %v", regions[0].Frame)
	}
	if !slices.Equal(regions[0].SourceLayers, []int{1, 2, 3, 4}) {
		t.Errorf("region sources = %v, want [1 2 3 4]", regions[0].SourceLayers)
	}
}

func TestReleaseFenceCheckpoints(t *testing.T) {
	dev := singleDisplay(1)
	c := newTestComposition(t, dev, 0)
	frame := geom.R(0, 0, 100, 100)
	layers := frameLayers(frame, frame, frame, frame, frame)
	if err := c.SetLayers(layers, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Plan(nil, poolFor(dev, 0)); err != nil {
		t.Fatal(err)
	}

	squashDone, precompDone, done := c.Checkpoints()
	if squashDone != 0 || precompDone != 4 || done != 5 {
		t.Fatalf("checkpoints = %d %d %d, want 0 4 5", squashDone, precompDone, done)
	}
	var last uint64
	for _, i := range []int{1, 2, 3, 4, 0} {
		slot := layers[i].ReleaseFence
		if slot.State() != fence.Filled {
			t.Fatalf("layer %d slot %v", i, slot.State())
		}
		if slot.Point() <= last {
			t.Errorf("layer %d point %d not after %d", i, slot.Point(), last)
		}
		last = slot.Point()
	}

	fences := make([]*fence.Fence, len(layers))
	for i, l := range layers {
		fences[i] = l.ReleaseFence.Take()
	}
	if err := fences[1].Wait(0); !errors.Is(err, fence.ErrTimedOut) {
		t.Errorf("precomp layer released before signal: %v", err)
	}

	if err := c.SignalSquashDone(); err != nil {
		t.Fatal(err)
	}
	if c.TimelineCurrent() != 0 {
		t.Errorf("squash signal advanced timeline to %d", c.TimelineCurrent())
	}
	if err := c.SignalPreCompDone(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 5; i++ {
		if err := fences[i].Wait(0); err != nil {
			t.Errorf("layer %d not released after precomposition: %v", i, err)
		}
	}
	if err := fences[0].Wait(0); !errors.Is(err, fence.ErrTimedOut) {
		t.Errorf("scanout layer released early: %v", err)
	}
	if err := c.SignalCompositionDone(); err != nil {
		t.Fatal(err)
	}
	if err := fences[0].Wait(0); err != nil {
		t.Errorf("scanout layer not released: %v", err)
	}
	if err := c.SignalPreCompDone(); err != nil {
		t.Fatal(err)
	}
	if c.TimelineCurrent() != 5 {
		t.Errorf("timeline went back to %d", c.TimelineCurrent())
	}
}

func TestSeparateLayersAroundDedicated(t *testing.T) {
	dev := singleDisplay(1)
	primary, overlay := kms.PlanesFor(dev, 0)
	c := newTestComposition(t, dev, 0)
	if err := c.SetLayers(frameLayers(
		geom.R(0, 0, 100, 100),
		geom.R(50, 0, 100, 100),
		geom.R(0, 0, 100, 100),
	), true); err != nil {
		t.Fatal(err)
	}
	c.AddPlaneComposition(Plane{Type: PlanePrecomp, Plane: overlay[0], Crtc: c.Crtc(), SourceLayers: []int{0, 2}})
	c.AddPlaneComposition(Plane{Type: PlaneLayer, Plane: primary[0], Crtc: c.Crtc(), SourceLayers: []int{1}})

	if err := c.FinalizeComposition(nil); err != nil {
		t.Fatal(err)
	}

	want := map[geom.Rect[int]][]int{
		geom.R(0, 0, 50, 100):   {0, 2},
		geom.R(50, 0, 100, 100): {2},
	}
	regions := c.PrecompRegions()
	if len(regions) != len(want) {
		t.Fatalf("regions = %v", regions)
	}
	for _, r := range regions {
		if !slices.Equal(r.SourceLayers, want[r.Frame]) {
			t.Errorf("region %v sources = %v, want %v", r.Frame, r.SourceLayers, want[r.Frame])
		}
	}
}

func TestPrecompFullyExcludedIsDisabled(t *testing.T) {
	dev := singleDisplay(1)
	_, overlay := kms.PlanesFor(dev, 0)
	c := newTestComposition(t, dev, 0)
	frame := geom.R(0, 0, 100, 100)
	if err := c.SetLayers(frameLayers(frame, frame), true); err != nil {
		t.Fatal(err)
	}
	c.AddPlaneComposition(Plane{Type: PlanePrecomp, Plane: overlay[0], Crtc: c.Crtc(), SourceLayers: []int{0, 1}})

	if err := c.FinalizeComposition([]geom.Rect[int]{frame}); err != nil {
		t.Fatal(err)
	}
	if len(c.PrecompRegions()) != 0 {
		t.Errorf("regions = %v", c.PrecompRegions())
	}
	if c.Planes()[0].Type != PlaneDisable {
		t.Errorf("plane type = %v, want disable", c.Planes()[0].Type)
	}
}

func TestSeparateLayersTooMany(t *testing.T) {
	dev := singleDisplay(1)
	_, overlay := kms.PlanesFor(dev, 0)
	c := newTestComposition(t, dev, 0)
	frames := make([]geom.Rect[int], 65)
	sources := make([]int, len(frames))
	for i := range frames {
		frames[i] = square(i)
		sources[i] = i
	}
	if err := c.SetLayers(frameLayers(frames...), true); err != nil {
		t.Fatal(err)
	}
	c.AddPlaneComposition(Plane{Type: PlanePrecomp, Plane: overlay[0], Crtc: c.Crtc(), SourceLayers: sources})

	err := c.FinalizeComposition(nil)
	if !IsCode(err, CodeResourceExhaustion) || !errors.Is(err, ErrTooManyLayers) {
		t.Errorf("err = %v", err)
	}
}

func TestPlanWithSquash(t *testing.T) {
	dev := singleDisplay(3)
	state := squash.NewState(testLogger())
	frames := []geom.Rect[int]{square(0), square(1), square(2)}

	plan := func(geometryChanged bool) *DisplayComposition {
		c := newTestComposition(t, dev, 0)
		if err := c.SetLayers(frameLayers(frames...), geometryChanged); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Plan(state, poolFor(dev, 0)); err != nil {
			t.Fatal(err)
		}
		return c
	}

	c := plan(true)
	if got := countPlanes(c.Planes(), PlaneLayer); got != 3 {
		t.Fatalf("frame 0: %d layer planes, want 3", got)
	}
	for frame := 1; frame <= 6; frame++ {
		c = plan(false)
		if got := countPlanes(c.Planes(), PlaneSquash); got != 0 {
			t.Fatalf("frame %d: squash plane before the quiet window", frame)
		}
	}

	c = plan(false)
	if got := countPlanes(c.Planes(), PlaneSquash); got != 1 {
		t.Fatalf("frame 7: %d squash planes, want 1", got)
	}
	if got := countPlanes(c.Planes(), PlaneLayer); got != 0 {
		t.Errorf("frame 7: squashed layers still on %d planes", got)
	}
	if got := len(c.SquashRegions()); got != 3 {
		t.Errorf("frame 7: %d squash regions, want 3", got)
	}
	if squashDone, _, done := c.Checkpoints(); squashDone != 3 || done != 3 {
		t.Errorf("frame 7: checkpoints %d/%d, want 3/3", squashDone, done)
	}

	c = plan(false)
	if got := countPlanes(c.Planes(), PlaneSquash); got != 1 {
		t.Errorf("frame 8: %d squash planes, want 1", got)
	}
	if got := len(c.SquashRegions()); got != 0 {
		t.Errorf("frame 8: squash rerendered %d regions", got)
	}
}

func TestTakeRestoreLayers(t *testing.T) {
	dev := singleDisplay(1)
	c := newTestComposition(t, dev, 0)
	layers := frameLayers(square(0), square(1), square(2))
	if err := c.SetLayers(layers, true); err != nil {
		t.Fatal(err)
	}

	taken := c.TakeLayers([]int{0, 2})
	if len(taken) != 2 || taken[0] != layers[0] || taken[1] != layers[2] {
		t.Fatalf("taken = %v", taken)
	}
	if c.Layers()[0] != nil || c.Layers()[1] != layers[1] {
		t.Errorf("layers after take = %v", c.Layers())
	}

	c.RestoreLayers([]int{0, 2}, taken)
	if !slices.Equal(c.Layers(), layers) {
		t.Errorf("layers after restore = %v", c.Layers())
	}
}

func TestRetireReleasesImports(t *testing.T) {
	dev := singleDisplay(1)
	mem := buffer.NewMemoryAllocator()
	h := mem.Register(image.NewRGBA(image.Rect(0, 0, 10, 10)))

	c := newTestComposition(t, dev, 0)
	l := &Layer{Handle: h, DisplayFrame: square(0)}
	if err := l.Import(mem); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLayers([]*Layer{l}, true); err != nil {
		t.Fatal(err)
	}
	if mem.Imports() != 1 {
		t.Fatalf("Imports() = %d", mem.Imports())
	}
	c.Retire()
	if mem.Imports() != 0 {
		t.Errorf("Imports() after retire = %d", mem.Imports())
	}
	c.Retire()
}
