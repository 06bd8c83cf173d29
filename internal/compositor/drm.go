package compositor

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/squash"
)

// DRM owns one Display per output of a device and turns frames spanning all
// displays into per-display compositions.
type DRM struct {
	logger   *slog.Logger
	opts     Options
	displays map[int]*Display
	order    []int
	frameNo  atomic.Uint64

	useOverlayPlanes    atomic.Bool
	useFramebufferCache atomic.Bool
}

// New creates a compositor for every display of opts.Device.
func New(opts Options) (*DRM, error) {
	opts.setDefaults()
	c := &DRM{
		logger:   opts.Logger,
		opts:     opts,
		displays: make(map[int]*Display),
	}
	c.useOverlayPlanes.Store(opts.UseOverlayPlanes)
	c.useFramebufferCache.Store(opts.UseFramebufferCache)

	order := opts.Device.Displays()
	sort.Ints(order)
	for _, id := range order {
		d, err := NewDisplay(opts, id)
		if err != nil {
			return nil, err
		}
		c.displays[id] = d
		c.order = append(c.order, id)
	}
	if len(c.order) == 0 {
		return nil, composition.NewError(composition.CodeConfiguration, "device has no displays", nil)
	}
	return c, nil
}

// Init starts every display.
func (c *DRM) Init() error {
	for _, id := range c.order {
		if err := c.displays[id].Init(); err != nil {
			return fmt.Errorf("init display %d: %w", id, err)
		}
	}
	c.logger.Info("Compositor initialized", "displays", len(c.order), "overlay_planes", c.useOverlayPlanes.Load())
	return nil
}

// Exit stops every display.
func (c *DRM) Exit() {
	for _, id := range c.order {
		c.displays[id].Exit()
	}
}

// Display returns the compositor for display.
func (c *DRM) Display(id int) (*Display, error) {
	d, ok := c.displays[id]
	if !ok {
		return nil, fmt.Errorf("display %d: %w", id, ErrUnknownDisplay)
	}
	return d, nil
}

// Displays returns every display in index order.
func (c *DRM) Displays() []*Display {
	out := make([]*Display, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.displays[id])
	}
	return out
}

// SetUseOverlayPlanes controls whether frames created afterwards may use
// overlay planes.
func (c *DRM) SetUseOverlayPlanes(enabled bool) {
	if c.useOverlayPlanes.Swap(enabled) != enabled {
		c.logger.Info("Overlay planes toggled", "enabled", enabled)
	}
}

// UseOverlayPlanes reports the current overlay setting.
func (c *DRM) UseOverlayPlanes() bool { return c.useOverlayPlanes.Load() }

// SetUseFramebufferCache toggles pre-compositor caching on every display.
func (c *DRM) SetUseFramebufferCache(enabled bool) {
	if c.useFramebufferCache.Swap(enabled) != enabled {
		c.logger.Info("Framebuffer cache toggled", "enabled", enabled)
	}
	for _, d := range c.displays {
		d.SetFramebufferCache(enabled)
	}
}

// UseFramebufferCache reports the current cache setting.
func (c *DRM) UseFramebufferCache() bool { return c.useFramebufferCache.Load() }

// CreateFrame returns an empty frame covering every display.
func (c *DRM) CreateFrame() (*composition.Frame, error) {
	return composition.NewFrame(c.opts.Device, c.displayDeps(), c.order, c.frameNo.Add(1), c.useOverlayPlanes.Load())
}

func (c *DRM) displayDeps() composition.Deps {
	deps := c.opts.Compositions
	deps.Logger = c.logger
	return deps
}

// QueueFrame plans every display of f, disables the planes nobody used and
// queues the compositions. The frame is consumed even on error.
func (c *DRM) QueueFrame(f *composition.Frame) error {
	states := make(map[int]*squash.State, len(c.displays))
	for id, d := range c.displays {
		states[id] = d.SquashState()
	}
	if err := f.Plan(states); err != nil {
		f.Retire()
		return err
	}
	f.DisableUnusedPlanes()

	var errs []error
	for _, comp := range f.TakeCompositions() {
		d, ok := c.displays[comp.Display()]
		if !ok {
			comp.Retire()
			errs = append(errs, fmt.Errorf("display %d: %w", comp.Display(), ErrUnknownDisplay))
			continue
		}
		if err := d.QueueComposition(comp); err != nil {
			c.logger.Warn("Failed to queue composition", "display", comp.Display(), "frame", comp.FrameNo(), "error", err)
			comp.Retire()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetDPMS queues a power change for display.
func (c *DRM) SetDPMS(id int, on bool) error {
	d, err := c.Display(id)
	if err != nil {
		return err
	}
	comp, err := d.NewComposition(c.frameNo.Load())
	if err != nil {
		return err
	}
	var mode uint32 = composition.DPMSOff
	if on {
		mode = composition.DPMSOn
	}
	if err := comp.SetDPMSMode(mode); err != nil {
		comp.Retire()
		return err
	}
	if err := d.QueueComposition(comp); err != nil {
		comp.Retire()
		return err
	}
	return nil
}

// SetMode queues a modeset of display to the connector mode named name,
// formatted as WxH@R.
func (c *DRM) SetMode(id int, name string) error {
	d, err := c.Display(id)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(d.conn.Modes, func(m kms.Mode) bool { return m.String() == name })
	if idx < 0 {
		return composition.NewError(composition.CodeConfiguration, fmt.Sprintf("display %d has no mode %q", id, name), ErrUnknownMode)
	}
	comp, err := d.NewComposition(c.frameNo.Load())
	if err != nil {
		return err
	}
	if err := comp.SetDisplayMode(d.conn.Modes[idx]); err != nil {
		comp.Retire()
		return err
	}
	if err := d.QueueComposition(comp); err != nil {
		comp.Retire()
		return err
	}
	return nil
}

// DisplayStatus returns a snapshot of one display.
func (c *DRM) DisplayStatus(id int) (Status, error) {
	d, err := c.Display(id)
	if err != nil {
		return Status{}, err
	}
	return d.Status(), nil
}

// Status returns a snapshot of every display.
func (c *DRM) Status() []Status {
	out := make([]Status, 0, len(c.order))
	for _, d := range c.Displays() {
		out = append(out, d.Status())
	}
	return out
}
