package compositor

import (
	"errors"
	"fmt"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
)

// PrepareFrame imports the frame's buffers and renders its squash and
// precomposition regions, then points the Squash and Precomp planes at the
// resulting buffers.
func (d *Display) PrepareFrame(comp *composition.DisplayComposition) error {
	if err := importLayers(comp); err != nil {
		return err
	}

	squashIdx := -1
	switch {
	case len(comp.SquashRegions()) > 0:
		d.squashFramebuffers.Advance()
		idx, err := d.ApplySquash(comp)
		if err != nil {
			return err
		}
		squashIdx = idx
	case hasPlane(comp, composition.PlaneSquash):
		// Nothing changed in the squashed area; scan out last frame's buffer.
		fb := d.squashFramebuffers.Current()
		if !fb.Valid() {
			return composition.NewError(composition.CodeInvalidState, "squash plane without a rendered squash buffer", nil)
		}
		idx, err := appendFramebufferLayer(comp, fb)
		if err != nil {
			return err
		}
		release, err := comp.CreateNextTimelineFence()
		if err != nil {
			return err
		}
		fb.SetReleaseFence(release)
		squashIdx = idx
	}

	doPrecomp := len(comp.PrecompRegions()) > 0
	precompIdx := -1
	if doPrecomp {
		idx, err := d.ApplyPreComposite(comp)
		if err != nil {
			return err
		}
		precompIdx = idx
		d.framebuffers.Advance()
	}

	for i, p := range comp.Planes() {
		switch p.Type {
		case composition.PlaneSquash:
			comp.SetPlaneSources(i, squashIdx)
		case composition.PlanePrecomp:
			if !doPrecomp {
				return composition.NewError(composition.CodeInvalidState, "precomposition plane without regions", nil).
					With("frame", comp.FrameNo())
			}
			comp.SetPlaneSources(i, precompIdx)
		}
	}
	return nil
}

// ApplySquash renders the squash regions into the current squash buffer and
// returns the index of the layer that scans it out.
func (d *Display) ApplySquash(comp *composition.DisplayComposition) (int, error) {
	fb := d.squashFramebuffers.Current()
	idx, err := d.renderRegions(comp, fb, comp.SquashRegions())
	if err != nil {
		return -1, fmt.Errorf("squash: %w", err)
	}
	if err := comp.SignalSquashDone(); err != nil {
		d.logger.Warn("Failed to signal squash done", "error", err)
	}
	return idx, nil
}

// ApplyPreComposite renders the precomposition regions into the current
// precomposition buffer and returns the index of the layer that scans it out.
func (d *Display) ApplyPreComposite(comp *composition.DisplayComposition) (int, error) {
	fb := d.framebuffers.Current()
	idx, err := d.renderRegions(comp, fb, comp.PrecompRegions())
	if err != nil {
		return -1, fmt.Errorf("precomposite: %w", err)
	}
	if err := comp.SignalPreCompDone(); err != nil {
		d.logger.Warn("Failed to signal precomposition done", "error", err)
	}
	return idx, nil
}

func (d *Display) renderRegions(comp *composition.DisplayComposition, fb *buffer.Framebuffer, regions []composition.Region) (int, error) {
	idx, err := d.prepareFramebuffer(comp, fb)
	if err != nil {
		return -1, err
	}
	if err := d.waitRegionFences(comp, regions); err != nil {
		return -1, err
	}

	pre, err := d.preCompositor()
	if err != nil {
		return -1, err
	}
	dst := comp.Layers()[idx].Object()
	if err := pre.Composite(comp.Layers(), regions, dst); err != nil {
		return -1, composition.NewError(composition.CodeUnsupported, "blend regions", err)
	}
	if err := pre.Finish(); err != nil {
		return -1, composition.NewError(composition.CodeUnsupported, "finish blending", err)
	}

	release, err := comp.CreateNextTimelineFence()
	if err != nil {
		return -1, err
	}
	fb.SetReleaseFence(release)
	return idx, nil
}

// prepareFramebuffer waits until the display let go of fb, sizes it to the
// current mode and appends a layer for it to comp.
func (d *Display) prepareFramebuffer(comp *composition.DisplayComposition, fb *buffer.Framebuffer) (int, error) {
	if err := fb.WaitReleased(buffer.ReleaseWaitTimeout); err != nil {
		return -1, composition.NewError(composition.CodeAllocationFailure, "wait for framebuffer release", err)
	}
	fb.SetReleaseFence(nil)

	mode := d.Mode()
	if err := fb.Allocate(mode.Width(), mode.Height()); err != nil {
		return -1, composition.NewError(composition.CodeAllocationFailure, "allocate framebuffer", err).
			With("mode", mode.String())
	}
	return appendFramebufferLayer(comp, fb)
}

func appendFramebufferLayer(comp *composition.DisplayComposition, fb *buffer.Framebuffer) (int, error) {
	w, h := fb.Size()
	l := &composition.Layer{
		Handle:       fb.Handle(),
		SourceCrop:   composition.FullCrop(w, h),
		DisplayFrame: geom.R(0, 0, w, h),
		Blending:     composition.BlendPreMultiplied,
		Alpha:        0xFF,
	}
	if err := l.Import(comp.Importer()); err != nil {
		return -1, err
	}
	return comp.AppendLayer(l), nil
}

func (d *Display) preCompositor() (PreCompositor, error) {
	if d.pre == nil {
		if d.newPre == nil {
			return nil, composition.NewError(composition.CodeUnsupported, "no pre-compositor configured", nil)
		}
		pre := d.newPre()
		if err := pre.Init(); err != nil {
			return nil, composition.NewError(composition.CodeUnsupported, "init pre-compositor", err)
		}
		d.pre = pre
	}
	if c, ok := d.pre.(framebufferCacher); ok {
		c.SetFramebufferCache(d.fbCache.Load())
	}
	return d.pre, nil
}

// waitRegionFences waits for the producers of every layer read by regions.
func (d *Display) waitRegionFences(comp *composition.DisplayComposition, regions []composition.Region) error {
	var seen geom.IDSet
	layers := comp.Layers()
	for _, r := range regions {
		for _, i := range r.SourceLayers {
			if seen.Has(i) || i < 0 || i >= len(layers) || layers[i] == nil {
				continue
			}
			seen, _ = seen.Add(i)
			if err := d.waitAcquire(i, layers[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func importLayers(comp *composition.DisplayComposition) error {
	for i, l := range comp.Layers() {
		if l == nil || l.Buffer != nil || l.Handle == 0 {
			continue
		}
		if comp.Importer() == nil {
			return composition.NewError(composition.CodeConfiguration, "composition has no importer", nil)
		}
		if err := l.Import(comp.Importer()); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

func hasPlane(comp *composition.DisplayComposition, typ composition.PlaneType) bool {
	for _, p := range comp.Planes() {
		if p.Type == typ {
			return true
		}
	}
	return false
}

// SquashFrame merges every plane of src into a single precomposition plane
// on dst. The primary plane is kept and every other plane is disabled. On
// failure the layers are handed back to src.
func (d *Display) SquashFrame(src, dst *composition.DisplayComposition) error {
	if src.Type() != composition.TypeFrame {
		return composition.NewError(composition.CodeInvalidState, fmt.Sprintf("cannot squash %s composition", src.Type()), nil)
	}

	inUse := 0
	for _, p := range src.Planes() {
		if p.Type != composition.PlaneDisable {
			inUse++
		}
	}
	if inUse < 2 {
		return ErrAlreadySquashed
	}

	// Collect the visible layers bottom to top: dedicated planes in order,
	// then the precomposition buffer above them, then the squash buffer.
	var indices []int
	for _, typ := range [...]composition.PlaneType{composition.PlaneLayer, composition.PlanePrecomp, composition.PlaneSquash} {
		for _, p := range src.Planes() {
			if p.Type == typ {
				indices = append(indices, p.SourceLayers...)
			}
		}
	}

	// Protected buffers can only be scanned out, never read back.
	for _, i := range indices {
		if src.Layers()[i].Protected {
			return composition.NewError(composition.CodeUnsupported, fmt.Sprintf("layer %d is protected", i), nil)
		}
	}

	var target composition.Plane
	found := false
	for _, p := range src.Planes() {
		if p.Plane == nil {
			return composition.NewError(composition.CodeInvalidState, "composition plane has no hardware plane", nil)
		}
		if !found && p.Plane.Type == kms.PlanePrimary {
			target = composition.Plane{Type: composition.PlanePrecomp, Plane: p.Plane, Crtc: p.Crtc}
			found = true
			continue
		}
		dst.AddPlaneDisable(p.Plane)
	}
	if !found {
		return composition.NewError(composition.CodeInvalidState, "no primary plane to squash onto", nil)
	}

	// The layers' release slots stay with src; the squashed frame only
	// keeps the buffers alive.
	layers := src.TakeLayers(indices)
	slots := make([]*fence.OutputFence, len(layers))
	for i, l := range layers {
		slots[i] = l.ReleaseFence
		l.ReleaseFence = nil
	}
	restore := func() {
		dst.TakeLayers(seq(len(layers)))
		for i, l := range layers {
			l.ReleaseFence = slots[i]
		}
		src.RestoreLayers(indices, layers)
	}

	if err := dst.SetLayers(layers, false); err != nil {
		restore()
		return err
	}
	sources := seq(len(layers))
	dst.AddPlaneComposition(composition.Plane{
		Type:         target.Type,
		Plane:        target.Plane,
		Crtc:         target.Crtc,
		SourceLayers: sources,
	})
	if err := dst.FinalizeComposition(nil); err != nil {
		restore()
		return fmt.Errorf("finalize squashed composition: %w", err)
	}

	idx, err := d.ApplyPreComposite(dst)
	if err != nil {
		restore()
		return err
	}
	d.framebuffers.Advance()

	for i, p := range dst.Planes() {
		if p.Type == composition.PlanePrecomp {
			dst.SetPlaneSources(i, idx)
		}
	}
	return nil
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// SquashAll collapses the frame on screen onto one plane so the other planes
// can be powered down while the display is idle. applyMu is held until the
// squashed frame is on screen so a newer frame cannot be replaced by it.
func (d *Display) SquashAll() error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active == nil {
		return nil
	}
	planes := 0
	for _, p := range active.Planes() {
		if p.Type != composition.PlaneDisable {
			planes++
		}
	}

	comp, err := d.NewComposition(active.FrameNo())
	if err != nil {
		return err
	}
	if err := d.SquashFrame(active, comp); err != nil {
		comp.Retire()
		switch {
		case errors.Is(err, ErrAlreadySquashed):
			return nil
		case composition.IsCode(err, composition.CodeUnsupported):
			d.logger.Debug("Idle frame cannot be squashed", "frame", active.FrameNo(), "error", err)
			return nil
		}
		return err
	}

	if err := d.applyFrame(comp, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.stats.SquashAlls++
	d.mu.Unlock()
	d.bus.Publish(events.SquashAllEvent{Display: d.display, Planes: planes, Timestamp: now()})
	d.logger.Debug("Squashed idle display", "planes", planes)
	return nil
}
