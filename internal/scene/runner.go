package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"slices"
	"time"

	"github.com/smazurov/hwcomposer/internal/blend"
	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
)

// DefaultFrameTimeout bounds the wait for a frame to reach every display.
const DefaultFrameTimeout = 5 * time.Second

// ErrFrameTimeout is returned when a display neither commits nor fails a
// frame in time.
var ErrFrameTimeout = errors.New("frame not committed in time")

// Options configures a Runner.
type Options struct {
	Logger *slog.Logger
	// Bus receives the compositor's events. A private bus is used when nil.
	Bus          *events.Bus
	FrameTimeout time.Duration
	// Reject, when set, is consulted for every atomic commit of the virtual
	// device. A non-nil error fails the commit.
	Reject func(req *kms.AtomicRequest, flags uint32) error
}

// DisplayResult is what one display did with one frame.
type DisplayResult struct {
	Display        int                      `json:"display"`
	Layers         int                      `json:"layers"`
	GeometryChange bool                     `json:"geometry_changed"`
	Committed      bool                     `json:"committed"`
	Error          string                   `json:"error,omitempty"`
	Fallback       bool                     `json:"squash_fallback"`
	Squashed       bool                     `json:"squashed"`
	LayerPlanes    int                      `json:"layer_planes"`
	PrecompRegions int                      `json:"precomp_regions"`
	SquashRegions  int                      `json:"squash_regions"`
	Planes         []compositor.PlaneStatus `json:"planes"`
}

// FrameResult is the outcome of one replayed frame.
type FrameResult struct {
	FrameNo  uint64          `json:"frame_no"`
	Displays []DisplayResult `json:"displays"`
}

type layerState struct {
	spec      LayerSpec
	frame     geom.Rect[int]
	color     color.NRGBA
	alpha     uint8
	blending  composition.Blending
	transform composition.Transform
	hidden    bool
	handle    buffer.Handle
	stale     bool
}

// Runner replays a scene through a DRM compositor driving a virtual device.
type Runner struct {
	scene        *Scene
	logger       *slog.Logger
	dev          *kms.VirtualDevice
	mem          *buffer.MemoryAllocator
	bus          *events.Bus
	drm          *compositor.DRM
	frameTimeout time.Duration

	layers    []*layerState
	handles   []buffer.Handle
	geometry  map[int][]geom.Rect[int]
	fallbacks map[int]uint64

	events      chan any
	unsubscribe func()
}

// NewRunner builds the device, allocator and compositor for s and starts
// the compositor.
func NewRunner(s *Scene, opts Options) (*Runner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = DefaultFrameTimeout
	}
	squashTimeout, err := s.squashTimeout()
	if err != nil {
		return nil, invalid("squash_timeout: %v", err)
	}

	r := &Runner{
		scene:        s,
		logger:       opts.Logger,
		dev:          kms.NewVirtualDevice(s.Device),
		mem:          buffer.NewMemoryAllocator(),
		bus:          opts.Bus,
		frameTimeout: opts.FrameTimeout,
		geometry:     make(map[int][]geom.Rect[int]),
		fallbacks:    make(map[int]uint64),
		events:       make(chan any, 256),
	}
	if opts.Reject != nil {
		r.dev.SetRejectFunc(opts.Reject)
	}

	for _, spec := range s.Layers {
		// Validated by Parse.
		c, _ := ParseColor(spec.Color)
		blending, _ := composition.ParseBlending(spec.Blending)
		transform, _ := ParseTransform(spec.Transform)
		alpha := uint8(0xFF)
		if spec.Alpha != nil {
			alpha = uint8(*spec.Alpha)
		}
		r.layers = append(r.layers, &layerState{
			spec:      spec,
			frame:     frameRect(spec.Frame),
			color:     c,
			alpha:     alpha,
			blending:  blending,
			transform: transform,
			hidden:    spec.Hidden,
			stale:     true,
		})
	}

	overlays := true
	if s.Overlays != nil {
		overlays = *s.Overlays
	}
	logger := r.logger
	r.drm, err = compositor.New(compositor.Options{
		Logger:    logger,
		Device:    r.dev,
		Allocator: r.mem,
		Compositions: composition.Deps{
			Importer:  r.mem,
			Timelines: fence.SoftFactory,
		},
		NewPreCompositor:    func() compositor.PreCompositor { return blend.NewSoftware(logger) },
		Bus:                 r.bus,
		UseOverlayPlanes:    overlays,
		UseFramebufferCache: true,
		SquashTimeout:       squashTimeout,
	})
	if err != nil {
		return nil, err
	}

	r.unsubscribe = subscribe(r.bus, r.events)
	if err := r.drm.Init(); err != nil {
		r.unsubscribe()
		r.drm.Exit()
		return nil, err
	}
	return r, nil
}

func subscribe(bus *events.Bus, ch chan any) func() {
	unsubs := []func(){
		events.SubscribeToChannel[events.FrameCommittedEvent](bus, ch),
		events.SubscribeToChannel[events.CommitFailedEvent](bus, ch),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Compositor returns the compositor the scene drives.
func (r *Runner) Compositor() *compositor.DRM { return r.drm }

// Device returns the virtual device behind the compositor.
func (r *Runner) Device() *kms.VirtualDevice { return r.dev }

// Allocator returns the allocator holding every layer and framebuffer.
func (r *Runner) Allocator() *buffer.MemoryAllocator { return r.mem }

// Run replays frames frames, calling fn after each one. It stops at the first
// error.
func (r *Runner) Run(ctx context.Context, frames int, fn func(FrameResult)) error {
	for range frames {
		res, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if fn != nil {
			fn(res)
		}
	}
	return nil
}

// Step applies the scene's changes for the next frame, queues it and waits
// until every display committed or failed it.
func (r *Runner) Step(ctx context.Context) (FrameResult, error) {
	f, err := r.drm.CreateFrame()
	if err != nil {
		return FrameResult{}, err
	}
	comps := f.Compositions()
	if len(comps) == 0 {
		f.Retire()
		return FrameResult{}, composition.NewError(composition.CodeInvalidState, "frame has no displays", nil)
	}
	frameNo := comps[0].FrameNo()
	r.applyChanges(frameNo)

	res := FrameResult{FrameNo: frameNo}
	for _, comp := range comps {
		display := comp.Display()
		layers, rects, err := r.layersFor(display, frameNo)
		if err != nil {
			f.Retire()
			return FrameResult{}, err
		}
		prev, seen := r.geometry[display]
		changed := !seen || !slices.Equal(rects, prev)
		r.geometry[display] = rects
		if err := comp.SetLayers(layers, changed); err != nil {
			f.Retire()
			return FrameResult{}, err
		}
		res.Displays = append(res.Displays, DisplayResult{Display: display, Layers: len(layers), GeometryChange: changed})
	}

	if err := r.drm.QueueFrame(f); err != nil {
		return res, fmt.Errorf("queue frame %d: %w", frameNo, err)
	}
	if err := r.wait(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (r *Runner) applyChanges(frameNo uint64) {
	for _, c := range r.scene.Changes {
		if c.At != frameNo {
			continue
		}
		l := r.layer(c.Layer)
		if c.Move != nil {
			l.frame = frameRect(*c.Move)
			l.stale = true
		}
		if c.Color != "" {
			l.color, _ = ParseColor(c.Color)
			l.stale = true
		}
		if c.Alpha != nil {
			l.alpha = uint8(*c.Alpha)
		}
		if c.Hidden != nil {
			l.hidden = *c.Hidden
		}
		r.logger.Debug("Scene change applied", "frame", frameNo, "layer", c.Layer)
	}
}

func (r *Runner) layer(name string) *layerState {
	for _, l := range r.layers {
		if l.spec.Name == name {
			return l
		}
	}
	return nil
}

// layersFor builds the visible layers of display bottom to top, giving
// layers whose contents changed a new buffer.
func (r *Runner) layersFor(display int, frameNo uint64) ([]*composition.Layer, []geom.Rect[int], error) {
	var layers []*composition.Layer
	var rects []geom.Rect[int]
	for _, l := range r.layers {
		if l.spec.Display != display || l.hidden {
			continue
		}
		if every := uint64(l.spec.UpdateEvery); every > 0 && frameNo > 1 && (frameNo-1)%every == 0 {
			l.stale = true
		}
		crop := cropRect(l.spec.Crop, l.frame)
		if l.stale {
			h, err := r.render(l, crop)
			if err != nil {
				return nil, nil, fmt.Errorf("layer %q: %w", l.spec.Name, err)
			}
			l.handle = h
			l.stale = false
		}
		layers = append(layers, &composition.Layer{
			Handle:       l.handle,
			SourceCrop:   crop,
			DisplayFrame: l.frame,
			Blending:     l.blending,
			Transform:    l.transform,
			Alpha:        l.alpha,
			Protected:    l.spec.Protected,
		})
		rects = append(rects, l.frame)
	}
	return layers, rects, nil
}

// render registers a new buffer large enough for crop, filled with the
// layer's color premultiplied by its own alpha.
func (r *Runner) render(l *layerState, crop geom.Rect[float64]) (buffer.Handle, error) {
	w, h := int(crop.Right+0.5), int(crop.Bottom+0.5)
	if w <= 0 || h <= 0 {
		return 0, composition.NewError(composition.CodeConfiguration, "empty source crop", nil)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(l.color), image.Point{}, draw.Src)
	handle := r.mem.Register(img)
	r.handles = append(r.handles, handle)
	return handle, nil
}

func (r *Runner) wait(ctx context.Context, res *FrameResult) error {
	pending := make(map[int]*DisplayResult, len(res.Displays))
	for i := range res.Displays {
		pending[res.Displays[i].Display] = &res.Displays[i]
	}

	timer := time.NewTimer(r.frameTimeout)
	defer timer.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			missing := make([]int, 0, len(pending))
			for d := range pending {
				missing = append(missing, d)
			}
			slices.Sort(missing)
			return fmt.Errorf("frame %d on displays %v: %w", res.FrameNo, missing, ErrFrameTimeout)
		case ev := <-r.events:
			switch e := ev.(type) {
			case events.FrameCommittedEvent:
				d, ok := pending[e.Display]
				if !ok || e.FrameNo != res.FrameNo {
					continue
				}
				d.Committed = true
				d.Squashed = e.Squashed
				d.LayerPlanes = e.LayerPlanes
				d.PrecompRegions = e.PrecompRegions
				d.SquashRegions = e.SquashRegions
				if status, err := r.drm.DisplayStatus(e.Display); err == nil {
					d.Planes = status.Planes
					d.Fallback = status.Stats.SquashFallbacks > r.fallbacks[e.Display]
					r.fallbacks[e.Display] = status.Stats.SquashFallbacks
				}
				delete(pending, e.Display)
			case events.CommitFailedEvent:
				d, ok := pending[e.Display]
				if !ok || e.FrameNo != res.FrameNo {
					continue
				}
				d.Error = e.Error
				delete(pending, e.Display)
			}
		}
	}
	return nil
}

// Close stops the compositor and frees every buffer the scene allocated.
func (r *Runner) Close() {
	r.drm.Exit()
	r.unsubscribe()
	for _, h := range r.handles {
		if err := r.mem.Free(h); err != nil {
			r.logger.Debug("Failed to free scene buffer", "handle", h, "error", err)
		}
	}
	r.handles = nil
}
