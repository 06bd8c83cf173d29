// Package blend pre-composes layers into a single buffer for the
// precomposition and squash planes.
package blend

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/geom"
)

// MaxOverlap is the largest number of layers blended into one region.
const MaxOverlap = 16

var (
	ErrNotInitialized  = errors.New("blend: compositor not initialized")
	ErrTooManyOverlaps = errors.New("blend: too many overlapping layers")
	ErrNoPixels        = errors.New("blend: buffer has no cpu mapping")
)

// binding is a destination buffer prepared for writing.
type binding struct {
	img    draw.Image
	bounds image.Rectangle
	rgba   *image.RGBA
}

// Software blends layers on the CPU. It is owned by a single goroutine; only
// SetFramebufferCache may be called concurrently.
type Software struct {
	logger      *slog.Logger
	initialized bool
	cacheFB     atomic.Bool

	programs map[int]*program
	bindings map[buffer.Handle]*binding
	scratch  []*image.RGBA
}

// NewSoftware returns an uninitialized compositor.
func NewSoftware(logger *slog.Logger) *Software {
	s := &Software{logger: logger}
	s.cacheFB.Store(true)
	return s
}

// Init prepares the compositor. It may be called again to drop all caches.
func (s *Software) Init() error {
	s.programs = make(map[int]*program)
	s.bindings = make(map[buffer.Handle]*binding)
	s.scratch = nil
	s.initialized = true
	return nil
}

// SetFramebufferCache controls whether destination bindings survive Finish.
func (s *Software) SetFramebufferCache(enabled bool) {
	s.cacheFB.Store(enabled)
}

// Programs returns the number of cached blend programs.
func (s *Software) Programs() int { return len(s.programs) }

// Bindings returns the number of cached destination bindings.
func (s *Software) Bindings() int { return len(s.bindings) }

// Composite blends, for every region, the layers it lists into dst. Region
// source indices refer to layers and run bottom to top. A region with more
// than MaxOverlap visible layers is skipped.
func (s *Software) Composite(layers []*composition.Layer, regions []composition.Region, dst *buffer.Object) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if dst == nil || dst.Pixels == nil {
		return fmt.Errorf("bind destination: %w", ErrNoPixels)
	}
	target := s.bind(dst)

	var skipped int
	for _, region := range regions {
		err := s.compositeRegion(layers, region, target)
		if errors.Is(err, ErrTooManyOverlaps) {
			s.logger.Warn("Skipping region", "frame", region.Frame.String(), "layers", len(region.SourceLayers), "error", err)
			skipped++
			continue
		}
		if err != nil {
			return err
		}
	}
	if skipped > 0 {
		s.logger.Debug("Composited with skipped regions", "regions", len(regions), "skipped", skipped)
	}
	return nil
}

// Finish completes all pending work. Destination bindings are dropped unless
// framebuffer caching is enabled.
func (s *Software) Finish() error {
	if !s.cacheFB.Load() {
		clear(s.bindings)
	}
	return nil
}

func (s *Software) bind(dst *buffer.Object) *binding {
	if b, ok := s.bindings[dst.Handle]; ok && b.img == dst.Pixels {
		return b
	}
	b := &binding{img: dst.Pixels, bounds: dst.Pixels.Bounds()}
	if rgba, ok := dst.Pixels.(*image.RGBA); ok {
		b.rgba = rgba
	}
	s.bindings[dst.Handle] = b
	return b
}

func (s *Software) program(n int) *program {
	p, ok := s.programs[n]
	if !ok {
		p = newProgram(n)
		s.programs[n] = p
		s.logger.Debug("Generated blend program", "layers", n)
	}
	p.reset()
	return p
}

func (s *Software) scratchFor(i int, w, h int) *image.RGBA {
	for len(s.scratch) <= i {
		s.scratch = append(s.scratch, nil)
	}
	img := s.scratch[i]
	if img == nil || cap(img.Pix) < 4*w*h {
		img = image.NewRGBA(image.Rect(0, 0, w, h))
		s.scratch[i] = img
		return img
	}
	img.Pix = img.Pix[:4*w*h]
	img.Stride = 4 * w
	img.Rect = image.Rect(0, 0, w, h)
	return img
}

// visible returns the indices of layers contributing to region, topmost
// first, stopping at the first opaque layer.
func visible(layers []*composition.Layer, sources []int) []int {
	var out []int
	for i := len(sources) - 1; i >= 0; i-- {
		idx := sources[i]
		if idx < 0 || idx >= len(layers) || layers[idx] == nil {
			continue
		}
		out = append(out, idx)
		if layers[idx].Blending == composition.BlendNone {
			break
		}
	}
	return out
}

func (s *Software) compositeRegion(layers []*composition.Layer, region composition.Region, target *binding) error {
	rect := region.Frame.Intersect(geom.R(target.bounds.Min.X, target.bounds.Min.Y, target.bounds.Max.X, target.bounds.Max.Y))
	if rect.Empty() {
		return nil
	}
	order := visible(layers, region.SourceLayers)
	if len(order) > MaxOverlap {
		return fmt.Errorf("%d layers: %w", len(order), ErrTooManyOverlaps)
	}

	w, h := rect.Width(), rect.Height()
	prog := s.program(len(order))
	for i, idx := range order {
		l := layers[idx]
		obj := l.Object()
		if obj == nil || obj.Pixels == nil {
			return fmt.Errorf("layer %d: %w", idx, ErrNoPixels)
		}
		img := s.scratchFor(i, w, h)
		sample(img, l, obj.Pixels, rect)
		prog.add(input{pix: img, blending: l.Blending, alpha: float32(l.Alpha) / 255})
	}

	for y := range h {
		for x := range w {
			r, g, b, a := prog.pixel(y*4*w + x*4)
			dx, dy := rect.Left+x, rect.Top+y
			if target.rgba != nil {
				o := target.rgba.PixOffset(dx, dy)
				target.rgba.Pix[o], target.rgba.Pix[o+1], target.rgba.Pix[o+2], target.rgba.Pix[o+3] = r, g, b, a
				continue
			}
			target.img.Set(dx, dy, color.RGBA{R: r, G: g, B: b, A: a})
		}
	}
	return nil
}

// sample draws the part of l visible through rect into img, whose origin is
// the top-left corner of rect.
func sample(img *image.RGBA, l *composition.Layer, src image.Image, rect geom.Rect[int]) {
	clear(img.Pix)
	crop := l.SourceCrop
	if crop.Empty() {
		b := src.Bounds()
		crop = composition.FullCrop(b.Dx(), b.Dy())
	}
	origin := src.Bounds().Min
	sr := image.Rect(
		origin.X+int(math.Floor(crop.Left)), origin.Y+int(math.Floor(crop.Top)),
		origin.X+int(math.Ceil(crop.Right)), origin.Y+int(math.Ceil(crop.Bottom)),
	).Intersect(src.Bounds())

	m := sourceToRegion(crop, l.DisplayFrame, rect, l.Transform)
	m[2] -= float64(origin.X)*m[0] + float64(origin.Y)*m[1]
	m[5] -= float64(origin.X)*m[3] + float64(origin.Y)*m[4]

	var interp xdraw.Transformer = xdraw.NearestNeighbor
	if scales(crop, l.DisplayFrame, l.Transform) {
		interp = xdraw.ApproxBiLinear
	}
	interp.Transform(img, m, src, sr, xdraw.Src, nil)
}
