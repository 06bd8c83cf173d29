package compositor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/squash"
)

// modeState tracks a requested mode until a real commit applied it.
type modeState struct {
	needsModeset bool
	mode         kms.Mode
	blobID       uint32
	oldBlobID    uint32
}

// Display serializes all compositions for one display. Callers queue work
// with QueueComposition; the compositor worker prepares it and hands frames
// to the frame worker, which commits them.
type Display struct {
	logger  *slog.Logger
	dev     kms.Device
	display int
	crtc    *kms.Crtc
	conn    *kms.Connector
	deps    composition.Deps
	bus     *events.Bus

	acquireTimeout time.Duration
	newPre         func() PreCompositor
	fbCache        atomic.Bool

	// Owned by the compositor worker.
	pre                PreCompositor
	framebuffers       *buffer.Pool
	squashFramebuffers *buffer.Pool

	// Owned by the caller of Frame.Plan.
	squashState *squash.State

	compositorWorker *CompositorWorker
	frameWorker      *FrameWorker

	// applyMu serializes changes to the frame on screen.
	applyMu sync.Mutex

	mu         sync.Mutex
	queue      []*composition.DisplayComposition
	active     *composition.DisplayComposition
	dpmsActive bool
	mode       modeState
	stats      Stats
	// useHWOverlays is written by the compositor worker only.
	useHWOverlays bool
}

// Stats are per-display counters.
type Stats struct {
	FramesCommitted uint64 `json:"frames_committed" example:"1200" doc:"Frames that reached the display"`
	CommitFailures  uint64 `json:"commit_failures" example:"0" doc:"Frames dropped after a failed commit"`
	SquashFallbacks uint64 `json:"squash_fallbacks" example:"3" doc:"Frames squashed after the plane plan was rejected"`
	SquashAlls      uint64 `json:"squash_alls" example:"12" doc:"Idle squashes of the active frame"`
}

// NewDisplay creates the compositor for display. Workers are not started
// until Init.
func NewDisplay(opts Options, display int) (*Display, error) {
	opts.setDefaults()
	crtc := opts.Device.Crtc(display)
	conn := opts.Device.Connector(display)
	if crtc == nil || conn == nil {
		return nil, fmt.Errorf("display %d: %w", display, ErrUnknownDisplay)
	}
	if opts.Allocator == nil {
		return nil, composition.NewError(composition.CodeConfiguration, "no framebuffer allocator", nil)
	}
	if opts.Compositions.Importer == nil || opts.Compositions.Timelines == nil {
		return nil, composition.NewError(composition.CodeConfiguration, "composition importer and timelines are required", nil)
	}

	logger := opts.Logger.With("display", display)
	d := &Display{
		logger:             logger,
		dev:                opts.Device,
		display:            display,
		crtc:               crtc,
		conn:               conn,
		deps:               opts.Compositions,
		bus:                opts.Bus,
		acquireTimeout:     opts.AcquireWaitTimeout,
		newPre:             opts.NewPreCompositor,
		framebuffers:       buffer.NewPool(opts.Allocator, framebufferCount),
		squashFramebuffers: buffer.NewPool(opts.Allocator, framebufferCount),
		useHWOverlays:      true,
		squashState:        squash.NewState(logger),
		dpmsActive:         true,
	}
	d.deps.Logger = logger
	d.fbCache.Store(opts.UseFramebufferCache)
	d.mode.mode = conn.ActiveMode()
	d.compositorWorker = newCompositorWorker(d, logger, opts.SquashTimeout)
	d.frameWorker = newFrameWorker(d, logger)
	return d, nil
}

// Init starts the compositor and frame workers.
func (d *Display) Init() error {
	d.frameWorker.Start()
	d.compositorWorker.Start()
	d.logger.Info("Display compositor started", "crtc", d.crtc.ID, "mode", d.Mode().String())
	return nil
}

// Exit stops both workers and drops all queued and active compositions.
func (d *Display) Exit() {
	d.compositorWorker.Exit()
	d.frameWorker.Exit()

	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	active := d.active
	d.active = nil
	blobs := []uint32{d.mode.blobID, d.mode.oldBlobID}
	d.mode.blobID, d.mode.oldBlobID = 0, 0
	d.mu.Unlock()

	for _, c := range queue {
		c.Retire()
	}
	if active != nil {
		active.Retire()
	}
	for _, id := range blobs {
		if id != 0 {
			if err := d.dev.DestroyPropertyBlob(id); err != nil {
				d.logger.Warn("Failed to destroy mode blob", "blob", id, "error", err)
			}
		}
	}
	if err := d.framebuffers.Clear(); err != nil {
		d.logger.Warn("Failed to free precomposition buffers", "error", err)
	}
	if err := d.squashFramebuffers.Clear(); err != nil {
		d.logger.Warn("Failed to free squash buffers", "error", err)
	}
	d.logger.Info("Display compositor stopped")
}

// ID returns the display index.
func (d *Display) ID() int { return d.display }

// SquashState returns the squash tracker planned against for this display.
func (d *Display) SquashState() *squash.State { return d.squashState }

// Mode returns the mode frames are composed for.
func (d *Display) Mode() kms.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode.mode
}

// Active reports whether the display accepts frames.
func (d *Display) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dpmsActive
}

// SetFramebufferCache toggles per-buffer caching in the pre-compositor.
func (d *Display) SetFramebufferCache(enabled bool) {
	d.fbCache.Store(enabled)
}

// NewComposition creates an empty composition for this display.
func (d *Display) NewComposition(frameNo uint64) (*composition.DisplayComposition, error) {
	return composition.NewDisplayComposition(d.deps, d.crtc, frameNo)
}

// QueueComposition hands comp to the compositor worker. Empty compositions
// are dropped. When MaxQueueDepth compositions are already waiting the call
// spins until the worker catches up. On error the caller keeps comp.
func (d *Display) QueueComposition(comp *composition.DisplayComposition) error {
	switch comp.Type() {
	case composition.TypeFrame:
		if !d.Active() {
			return composition.NewError(composition.CodeInvalidState, "frame queued while display is off", ErrDisplayOff).
				With("display", d.display)
		}
	case composition.TypeDPMS:
		// Later frames must see the new state before the worker applies it.
		d.mu.Lock()
		d.dpmsActive = comp.DPMSMode() == composition.DPMSOn
		d.mu.Unlock()
	case composition.TypeModeset:
	case composition.TypeEmpty:
		comp.Retire()
		return nil
	default:
		return composition.NewError(composition.CodeConfiguration, fmt.Sprintf("unknown composition type %s", comp.Type()), nil)
	}

	d.mu.Lock()
	for len(d.queue) >= MaxQueueDepth {
		d.mu.Unlock()
		runtime.Gosched()
		d.mu.Lock()
	}
	d.queue = append(d.queue, comp)
	d.mu.Unlock()

	d.compositorWorker.Signal()
	return nil
}

// HaveQueuedComposites reports whether work is waiting.
func (d *Display) HaveQueuedComposites() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) > 0
}

// Queued returns the number of waiting compositions.
func (d *Display) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Composite processes the oldest queued composition. Frames are prepared and
// passed on to the frame worker; DPMS and modeset compositions take effect
// here.
func (d *Display) Composite() error {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return nil
	}
	comp := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.mu.Unlock()

	switch comp.Type() {
	case composition.TypeFrame:
		return d.compositeFrame(comp)
	case composition.TypeDPMS:
		d.mu.Lock()
		d.dpmsActive = comp.DPMSMode() == composition.DPMSOn
		d.mu.Unlock()
		err := d.ApplyDPMS(comp)
		comp.Retire()
		return err
	case composition.TypeModeset:
		err := d.setPendingMode(comp.Mode())
		comp.Retire()
		return err
	default:
		comp.Retire()
		return composition.NewError(composition.CodeInvalidState, fmt.Sprintf("cannot composite %s composition", comp.Type()), nil)
	}
}

func (d *Display) compositeFrame(comp *composition.DisplayComposition) error {
	if err := d.PrepareFrame(comp); err != nil {
		d.logger.Error("Failed to prepare frame", "frame", comp.FrameNo(), "error", err)
		d.fail(comp, err)
		comp.Retire()
		return err
	}

	if comp.GeometryChanged() {
		// Validate the plan once per geometry. A rejected plan keeps every
		// later frame squashed until the geometry changes again.
		err := d.CommitFrame(comp, true)
		if err != nil {
			d.logger.Info("Commit test failed, squashing frame", "frame", comp.FrameNo(), "error", err)
		}
		d.mu.Lock()
		d.useHWOverlays = err == nil
		d.mu.Unlock()
	}

	if !d.usingHWOverlays() {
		squashed, err := d.NewComposition(comp.FrameNo())
		if err != nil {
			d.fail(comp, err)
			comp.Retire()
			d.ClearDisplay()
			return err
		}
		err = d.SquashFrame(comp, squashed)
		switch {
		case err == nil:
			d.mu.Lock()
			d.stats.SquashFallbacks++
			d.mu.Unlock()
			d.bus.Publish(events.SquashFallbackEvent{
				Display:   d.display,
				FrameNo:   comp.FrameNo(),
				Reason:    "plane plan rejected by test commit",
				Timestamp: now(),
			})
			comp.Retire()
			comp = squashed
		case errors.Is(err, ErrAlreadySquashed):
			squashed.Retire()
		default:
			d.logger.Error("Failed to squash frame", "frame", comp.FrameNo(), "error", err)
			squashed.Retire()
			d.fail(comp, err)
			comp.Retire()
			d.ClearDisplay()
			return err
		}
	}

	d.frameWorker.QueueFrame(comp, nil)
	return nil
}

func (d *Display) usingHWOverlays() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.useHWOverlays
}

func (d *Display) setPendingMode(mode kms.Mode) error {
	if !mode.Valid() {
		return composition.NewError(composition.CodeConfiguration, "modeset without a valid mode", nil)
	}
	blob, err := d.dev.CreatePropertyBlob(mode.Blob())
	if err != nil {
		return composition.NewError(composition.CodeKernelRejection, "create mode blob", err)
	}

	d.mu.Lock()
	stale := d.mode.blobID
	d.mode.mode = mode
	d.mode.blobID = blob
	d.mode.needsModeset = true
	d.mu.Unlock()

	if stale != 0 {
		if err := d.dev.DestroyPropertyBlob(stale); err != nil {
			d.logger.Warn("Failed to destroy pending mode blob", "blob", stale, "error", err)
		}
	}
	d.logger.Info("Mode pending", "mode", mode.String(), "blob", blob)
	return nil
}

func (d *Display) fail(comp *composition.DisplayComposition, err error) {
	d.mu.Lock()
	d.stats.CommitFailures++
	d.mu.Unlock()
	d.bus.Publish(events.CommitFailedEvent{
		Display:   d.display,
		FrameNo:   comp.FrameNo(),
		Code:      codeString(err),
		Error:     err.Error(),
		Timestamp: now(),
	})
}

// PlaneStatus describes one plane of the active composition.
type PlaneStatus struct {
	Plane  uint32 `json:"plane" example:"31" doc:"KMS plane id"`
	Type   string `json:"type" example:"layer" doc:"Role: layer, precomp, squash or disable"`
	Layers []int  `json:"layers,omitempty" doc:"Source layer indices"`
}

// Status is a point-in-time view of a display.
type Status struct {
	Display        int           `json:"display" example:"0" doc:"Display index"`
	Active         bool          `json:"active" example:"true" doc:"Whether DPMS is on"`
	Mode           string        `json:"mode" example:"1920x1080@60" doc:"Composition mode"`
	Modes          []string      `json:"modes" doc:"Modes offered by the connector"`
	ModesetPending bool          `json:"modeset_pending" example:"false" doc:"A new mode waits for the next commit"`
	HWOverlays     bool          `json:"hw_overlays" example:"true" doc:"Whether the last plane plan passed its test commit"`
	Queued         int           `json:"queued" example:"0" doc:"Compositions waiting for the compositor worker"`
	FrameNo        uint64        `json:"frame_no" example:"1200" doc:"Frame number on screen"`
	Planes         []PlaneStatus `json:"planes" doc:"Planes used by the frame on screen"`
	Stats          Stats         `json:"stats"`
}

// Status returns a snapshot of the display.
func (d *Display) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Display:        d.display,
		Active:         d.dpmsActive,
		Mode:           d.mode.mode.String(),
		ModesetPending: d.mode.needsModeset,
		HWOverlays:     d.useHWOverlays,
		Queued:         len(d.queue),
		Stats:          d.stats,
		Planes:         []PlaneStatus{},
		Modes:          []string{},
	}
	for _, m := range d.conn.Modes {
		s.Modes = append(s.Modes, m.String())
	}
	if d.active != nil {
		s.FrameNo = d.active.FrameNo()
		for _, p := range d.active.Planes() {
			ps := PlaneStatus{Type: p.Type.String(), Layers: p.SourceLayers}
			if p.Plane != nil {
				ps.Plane = p.Plane.ID
			}
			s.Planes = append(s.Planes, ps)
		}
	}
	return s
}
