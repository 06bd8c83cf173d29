package compositor

import (
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/pkg/drm"
)

// CommitFrame builds and submits the atomic request for comp. A test-only
// commit validates the plane plan without waiting on fences or touching the
// screen. A pending modeset rides along with the first real commit.
func (d *Display) CommitFrame(comp *composition.DisplayComposition, testOnly bool) error {
	d.mu.Lock()
	mode := d.mode
	d.mu.Unlock()

	req := kms.NewAtomicRequest()
	if mode.needsModeset {
		if err := d.addModeset(req, mode.blobID); err != nil {
			return err
		}
	}

	layers := comp.Layers()
	for _, p := range comp.Planes() {
		if p.Plane == nil {
			return composition.NewError(composition.CodeInvalidState, "composition plane has no hardware plane", nil)
		}
		if err := d.addPlane(req, comp, layers, p, testOnly); err != nil {
			return err
		}
	}

	flags := kms.CommitAllowModeset
	if testOnly {
		flags |= kms.CommitTestOnly
	}
	if err := d.dev.AtomicCommit(req, flags); err != nil {
		return composition.NewError(composition.CodeKernelRejection, "atomic commit", err).
			With("frame", comp.FrameNo()).
			With("test_only", testOnly)
	}

	if !testOnly && mode.needsModeset {
		d.finishModeset(comp, mode)
	}
	return nil
}

func (d *Display) addModeset(req *kms.AtomicRequest, blobID uint32) error {
	if err := req.Add(d.crtc.ID, d.crtc.Props.Active, 1); err != nil {
		return composition.NewError(composition.CodeUnsupported, "crtc active property", err)
	}
	if err := req.Add(d.crtc.ID, d.crtc.Props.ModeID, uint64(blobID)); err != nil {
		return composition.NewError(composition.CodeUnsupported, "crtc mode property", err)
	}
	if err := req.Add(d.conn.ID, d.conn.Props.CrtcID, uint64(d.crtc.ID)); err != nil {
		return composition.NewError(composition.CodeUnsupported, "connector crtc property", err)
	}
	return nil
}

func (d *Display) addPlane(req *kms.AtomicRequest, comp *composition.DisplayComposition, layers []*composition.Layer, p composition.Plane, testOnly bool) error {
	plane := p.Plane
	if p.Type == composition.PlaneDisable {
		if err := req.Add(plane.ID, plane.Props.CrtcID, 0); err != nil {
			return composition.NewError(composition.CodeUnsupported, "plane crtc property", err)
		}
		if err := req.Add(plane.ID, plane.Props.FbID, 0); err != nil {
			return composition.NewError(composition.CodeUnsupported, "plane fb property", err)
		}
		return nil
	}

	if len(p.SourceLayers) != 1 {
		return composition.NewError(composition.CodeInvalidState,
			fmt.Sprintf("%s plane %d has %d source layers", p.Type, plane.ID, len(p.SourceLayers)), nil)
	}
	idx := p.SourceLayers[0]
	if idx < 0 || idx >= len(layers) || layers[idx] == nil {
		return composition.NewError(composition.CodeInvalidState, fmt.Sprintf("plane %d source layer %d missing", plane.ID, idx), nil)
	}
	layer := layers[idx]

	if !testOnly {
		if err := d.waitAcquire(idx, layer); err != nil {
			return err
		}
	}

	obj := layer.Object()
	if obj == nil {
		return composition.NewError(composition.CodeAllocationFailure, fmt.Sprintf("layer %d has no framebuffer", idx), nil).
			With("frame", comp.FrameNo())
	}

	alpha := uint8(0xFF)
	if layer.Blending == composition.BlendPreMultiplied {
		alpha = layer.Alpha
	}
	rotation := rotationFor(layer.Transform)
	if rotation != drm.Rotate0 && !plane.SupportsRotation() {
		return composition.NewError(composition.CodeUnsupported, fmt.Sprintf("plane %d cannot rotate layer %d", plane.ID, idx), nil)
	}
	if alpha != 0xFF && !plane.SupportsAlpha() {
		return composition.NewError(composition.CodeUnsupported, fmt.Sprintf("plane %d has no alpha for layer %d", plane.ID, idx), nil)
	}

	crtc := p.Crtc
	if crtc == nil {
		crtc = d.crtc
	}
	frame := layer.DisplayFrame
	crop := layer.SourceCrop
	props := plane.Props
	values := []struct {
		prop  uint32
		value uint64
	}{
		{props.CrtcID, uint64(crtc.ID)},
		{props.FbID, uint64(obj.FbID)},
		{props.CrtcX, uint64(int64(frame.Left))},
		{props.CrtcY, uint64(int64(frame.Top))},
		{props.CrtcW, uint64(frame.Width())},
		{props.CrtcH, uint64(frame.Height())},
		{props.SrcX, fixed16(crop.Left)},
		{props.SrcY, fixed16(crop.Top)},
		{props.SrcW, fixed16(crop.Width())},
		{props.SrcH, fixed16(crop.Height())},
	}
	for _, v := range values {
		if err := req.Add(plane.ID, v.prop, v.value); err != nil {
			return composition.NewError(composition.CodeUnsupported, fmt.Sprintf("plane %d", plane.ID), err)
		}
	}
	if plane.SupportsRotation() {
		_ = req.Add(plane.ID, props.Rotation, rotation)
	}
	if plane.SupportsAlpha() {
		// The plane property is 16 bits wide.
		_ = req.Add(plane.ID, props.Alpha, uint64(alpha)*0x101)
	}
	return nil
}

// fixed16 converts a source coordinate to 16.16 fixed point.
func fixed16(v float64) uint64 {
	return uint64(int64(v)) << 16
}

func rotationFor(t composition.Transform) uint64 {
	var r uint64
	if t&composition.TransformFlipH != 0 {
		r |= drm.ReflectX
	}
	if t&composition.TransformFlipV != 0 {
		r |= drm.ReflectY
	}
	switch {
	case t&composition.TransformRotate90 != 0:
		r |= drm.Rotate90
	case t&composition.TransformRotate180 != 0:
		r |= drm.Rotate180
	case t&composition.TransformRotate270 != 0:
		r |= drm.Rotate270
	default:
		r |= drm.Rotate0
	}
	return r
}

// waitAcquire waits for layer's producer with a growing timeout and drops
// the fence once it signaled.
func (d *Display) waitAcquire(idx int, layer *composition.Layer) error {
	f := layer.AcquireFence
	if f == nil {
		return nil
	}
	var err error
	for i := range acquireWaitTries {
		err = f.Wait(d.acquireTimeout << i)
		if err == nil || !errors.Is(err, fence.ErrTimedOut) {
			break
		}
		d.logger.Warn("Acquire fence still pending", "layer", idx, "attempt", i+1)
	}
	if err != nil {
		return composition.NewError(composition.CodeFenceTimeout, fmt.Sprintf("acquire fence of layer %d", idx), err).
			With("layer", idx)
	}
	_ = f.Close()
	layer.AcquireFence = nil
	return nil
}

func (d *Display) finishModeset(comp *composition.DisplayComposition, mode modeState) {
	if mode.oldBlobID != 0 {
		if err := d.dev.DestroyPropertyBlob(mode.oldBlobID); err != nil {
			d.logger.Warn("Failed to destroy previous mode blob", "blob", mode.oldBlobID, "error", err)
		}
	}
	if err := d.ApplyDPMS(comp); err != nil {
		d.logger.Warn("Failed to apply dpms after modeset", "error", err)
	}
	d.conn.SetActiveMode(mode.mode)

	d.mu.Lock()
	d.mode.oldBlobID = mode.blobID
	if d.mode.blobID == mode.blobID {
		d.mode.blobID = 0
		d.mode.needsModeset = false
	}
	d.mu.Unlock()

	d.logger.Info("Mode set", "mode", mode.mode.String())
	d.bus.Publish(events.ModesetEvent{Display: d.display, Mode: mode.mode.String(), Timestamp: now()})
}

// ApplyDPMS writes comp's power mode to the connector.
func (d *Display) ApplyDPMS(comp *composition.DisplayComposition) error {
	if err := d.dev.SetConnectorProperty(d.conn.ID, d.conn.Props.DPMS, uint64(comp.DPMSMode())); err != nil {
		d.logger.Error("Failed to set dpms", "mode", comp.DPMSMode(), "error", err)
		return composition.NewError(composition.CodeKernelRejection, "set dpms", err)
	}
	state := "on"
	if comp.DPMSMode() != composition.DPMSOn {
		state = "off"
	}
	d.bus.Publish(events.DPMSChangedEvent{Display: d.display, Mode: state, Timestamp: now()})
	return nil
}

// ApplyFrame commits comp and makes it the frame on screen. status carries an
// error from preparation; a failed frame clears the display instead.
func (d *Display) ApplyFrame(comp *composition.DisplayComposition, status error) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	return d.applyFrame(comp, status)
}

// applyFrame is ApplyFrame with applyMu held.
func (d *Display) applyFrame(comp *composition.DisplayComposition, status error) error {
	start := time.Now()
	err := status
	if err == nil {
		err = d.CommitFrame(comp, false)
	}
	if err != nil {
		d.logger.Error("Composite failed", "frame", comp.FrameNo(), "error", err)
		d.clearDisplay()
		d.fail(comp, err)
		comp.Retire()
		return err
	}

	d.mu.Lock()
	prev := d.active
	d.active = comp
	d.stats.FramesCommitted++
	d.mu.Unlock()
	if prev != nil {
		prev.Retire()
	}

	layerPlanes := 0
	for _, p := range comp.Planes() {
		if p.Type == composition.PlaneLayer {
			layerPlanes++
		}
	}
	d.bus.Publish(events.FrameCommittedEvent{
		Display:        d.display,
		FrameNo:        comp.FrameNo(),
		LayerPlanes:    layerPlanes,
		PrecompRegions: len(comp.PrecompRegions()),
		SquashRegions:  len(comp.SquashRegions()),
		Squashed:       onlyPrecomp(comp),
		DurationMs:     float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:      now(),
	})
	return nil
}

func onlyPrecomp(comp *composition.DisplayComposition) bool {
	precomp := false
	for _, p := range comp.Planes() {
		switch p.Type {
		case composition.PlanePrecomp:
			precomp = true
		case composition.PlaneDisable:
		default:
			return false
		}
	}
	return precomp
}

// ClearDisplay turns off every plane of the frame on screen and releases it.
func (d *Display) ClearDisplay() {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	d.clearDisplay()
}

func (d *Display) clearDisplay() {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if active == nil {
		return
	}

	req := kms.NewAtomicRequest()
	for _, p := range active.Planes() {
		if p.Plane == nil {
			continue
		}
		_ = req.Add(p.Plane.ID, p.Plane.Props.CrtcID, 0)
		_ = req.Add(p.Plane.ID, p.Plane.Props.FbID, 0)
	}
	if err := d.dev.AtomicCommit(req, 0); err != nil {
		d.logger.Error("Failed to clear display", "error", err)
		return
	}

	d.mu.Lock()
	d.active = nil
	d.mu.Unlock()
	active.Retire()
	d.logger.Debug("Display cleared")
}
