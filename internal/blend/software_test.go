package blend

import (
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"testing"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/geom"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSoftware(t *testing.T) *Software {
	t.Helper()
	s := NewSoftware(testLogger())
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	return s
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func object(h buffer.Handle, img *image.RGBA) *buffer.Object {
	b := img.Bounds()
	return &buffer.Object{Handle: h, Width: b.Dx(), Height: b.Dy(), Pixels: img}
}

// layer returns a layer showing all of img at frame.
func layer(t *testing.T, mem *buffer.MemoryAllocator, img *image.RGBA, frame geom.Rect[int], blending composition.Blending) *composition.Layer {
	t.Helper()
	l := &composition.Layer{
		Handle:       mem.Register(img),
		DisplayFrame: frame,
		SourceCrop:   composition.FullCrop(img.Bounds().Dx(), img.Bounds().Dy()),
		Blending:     blending,
		Alpha:        255,
	}
	if err := l.Import(mem); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Release)
	return l
}

func TestCompositeRequiresInit(t *testing.T) {
	s := NewSoftware(testLogger())
	err := s.Composite(nil, nil, object(1, solid(1, 1, red)))
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v", err)
	}
}

func TestCompositeBlending(t *testing.T) {
	halfWhite := color.RGBA{R: 128, G: 128, B: 128, A: 128}
	straightHalfWhite := color.RGBA{R: 255, G: 255, B: 255, A: 128}

	tests := []struct {
		name     string
		top      color.RGBA
		blending composition.Blending
		alpha    uint8
		want     color.RGBA
	}{
		{name: "opaque top hides bottom", top: green, blending: composition.BlendNone, alpha: 255, want: green},
		{name: "premultiplied", top: halfWhite, blending: composition.BlendPreMultiplied, alpha: 255, want: color.RGBA{R: 255, G: 128, B: 128, A: 255}},
		{name: "coverage", top: straightHalfWhite, blending: composition.BlendCoverage, alpha: 255, want: color.RGBA{R: 255, G: 128, B: 128, A: 255}},
		{name: "plane alpha", top: blue, blending: composition.BlendPreMultiplied, alpha: 0, want: red},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := buffer.NewMemoryAllocator()
			frame := geom.R(0, 0, 4, 4)
			bottom := layer(t, mem, solid(4, 4, red), frame, composition.BlendNone)
			top := layer(t, mem, solid(4, 4, tt.top), frame, tt.blending)
			top.Alpha = tt.alpha

			dst := image.NewRGBA(image.Rect(0, 0, 4, 4))
			s := newSoftware(t)
			regions := []composition.Region{{Frame: frame, SourceLayers: []int{0, 1}}}
			if err := s.Composite([]*composition.Layer{bottom, top}, regions, object(99, dst)); err != nil {
				t.Fatal(err)
			}
			got := dst.RGBAAt(2, 2)
			if !near(got, tt.want) {
				t.Errorf("pixel = %v, want %v", got, tt.want)
			}
		})
	}
}

func near(a, b color.RGBA) bool {
	d := func(x, y uint8) bool { return x-y <= 1 || y-x <= 1 }
	return d(a.R, b.R) && d(a.G, b.G) && d(a.B, b.B) && d(a.A, b.A)
}

func TestCompositeOnlyTouchesRegions(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	l := layer(t, mem, solid(8, 8, red), geom.R(0, 0, 8, 8), composition.BlendNone)
	dst := solid(8, 8, white)

	s := newSoftware(t)
	regions := []composition.Region{{Frame: geom.R(0, 0, 4, 8), SourceLayers: []int{0}}}
	if err := s.Composite([]*composition.Layer{l}, regions, object(1, dst)); err != nil {
		t.Fatal(err)
	}
	if got := dst.RGBAAt(1, 1); got != red {
		t.Errorf("inside region = %v", got)
	}
	if got := dst.RGBAAt(6, 1); got != white {
		t.Errorf("outside region = %v", got)
	}
}

func TestCompositeOrientation(t *testing.T) {
	// 2x1 source: red then green.
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, red)
	src.SetRGBA(1, 0, green)

	tests := []struct {
		name      string
		transform composition.Transform
		frame     geom.Rect[int]
		want      map[image.Point]color.RGBA
	}{
		{
			name:  "identity",
			frame: geom.R(0, 0, 2, 1),
			want:  map[image.Point]color.RGBA{{0, 0}: red, {1, 0}: green},
		},
		{
			name:      "flip h",
			transform: composition.TransformFlipH,
			frame:     geom.R(0, 0, 2, 1),
			want:      map[image.Point]color.RGBA{{0, 0}: green, {1, 0}: red},
		},
		{
			name:      "flip v",
			transform: composition.TransformFlipV,
			frame:     geom.R(0, 0, 2, 1),
			want:      map[image.Point]color.RGBA{{0, 0}: red, {1, 0}: green},
		},
		{
			name:      "rotate 90",
			transform: composition.TransformRotate90,
			frame:     geom.R(0, 0, 1, 2),
			want:      map[image.Point]color.RGBA{{0, 0}: red, {0, 1}: green},
		},
		{
			name:      "rotate 180",
			transform: composition.TransformRotate180,
			frame:     geom.R(0, 0, 2, 1),
			want:      map[image.Point]color.RGBA{{0, 0}: green, {1, 0}: red},
		},
		{
			name:      "rotate 270",
			transform: composition.TransformRotate270,
			frame:     geom.R(0, 0, 1, 2),
			want:      map[image.Point]color.RGBA{{0, 0}: green, {0, 1}: red},
		},
		{
			name:      "rotate 90 flip h",
			transform: composition.TransformRotate90 | composition.TransformFlipH,
			frame:     geom.R(0, 0, 1, 2),
			want:      map[image.Point]color.RGBA{{0, 0}: green, {0, 1}: red},
		},
		{
			name:      "offset frame",
			transform: composition.TransformFlipH,
			frame:     geom.R(3, 2, 5, 3),
			want:      map[image.Point]color.RGBA{{3, 2}: green, {4, 2}: red},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := buffer.NewMemoryAllocator()
			l := layer(t, mem, src, tt.frame, composition.BlendNone)
			l.Transform = tt.transform

			dst := image.NewRGBA(image.Rect(0, 0, 8, 8))
			s := newSoftware(t)
			regions := []composition.Region{{Frame: tt.frame, SourceLayers: []int{0}}}
			if err := s.Composite([]*composition.Layer{l}, regions, object(1, dst)); err != nil {
				t.Fatal(err)
			}
			for p, want := range tt.want {
				if got := dst.RGBAAt(p.X, p.Y); got != want {
					t.Errorf("pixel %v = %v, want %v", p, got, want)
				}
			}
		})
	}
}

func TestCompositeScales(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	l := layer(t, mem, solid(2, 2, blue), geom.R(0, 0, 8, 8), composition.BlendNone)
	dst := image.NewRGBA(image.Rect(0, 0, 8, 8))

	s := newSoftware(t)
	regions := []composition.Region{{Frame: geom.R(0, 0, 8, 8), SourceLayers: []int{0}}}
	if err := s.Composite([]*composition.Layer{l}, regions, object(1, dst)); err != nil {
		t.Fatal(err)
	}
	for _, p := range []image.Point{{0, 0}, {7, 7}, {3, 4}} {
		if got := dst.RGBAAt(p.X, p.Y); got != blue {
			t.Errorf("pixel %v = %v", p, got)
		}
	}
}

func TestProgramsCachedPerOverlap(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	frame := geom.R(0, 0, 2, 2)
	layers := []*composition.Layer{
		layer(t, mem, solid(2, 2, red), frame, composition.BlendNone),
		layer(t, mem, solid(2, 2, green), frame, composition.BlendPreMultiplied),
		layer(t, mem, solid(2, 2, blue), frame, composition.BlendPreMultiplied),
	}
	dst := image.NewRGBA(image.Rect(0, 0, 2, 2))
	s := newSoftware(t)

	regions := []composition.Region{
		{Frame: frame, SourceLayers: []int{0, 1}},
		{Frame: frame, SourceLayers: []int{0, 2}},
		{Frame: frame, SourceLayers: []int{0, 1, 2}},
	}
	for range 3 {
		if err := s.Composite(layers, regions, object(1, dst)); err != nil {
			t.Fatal(err)
		}
	}
	if s.Programs() != 2 {
		t.Errorf("Programs() = %d, want 2", s.Programs())
	}
}

func TestTooManyOverlapsSkipsRegion(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	frame := geom.R(0, 0, 2, 2)
	var layers []*composition.Layer
	var sources []int
	for i := range MaxOverlap + 1 {
		layers = append(layers, layer(t, mem, solid(2, 2, green), frame, composition.BlendPreMultiplied))
		sources = append(sources, i)
	}
	dst := solid(4, 2, white)
	s := newSoftware(t)

	regions := []composition.Region{
		{Frame: frame, SourceLayers: sources},
		{Frame: geom.R(2, 0, 4, 2), SourceLayers: []int{0}},
	}
	layers[0].DisplayFrame = geom.R(0, 0, 4, 2)
	if err := s.Composite(layers, regions, object(1, dst)); err != nil {
		t.Fatal(err)
	}
	if got := dst.RGBAAt(0, 0); got != white {
		t.Errorf("skipped region was drawn: %v", got)
	}
	if got := dst.RGBAAt(3, 0); got != green {
		t.Errorf("second region = %v, want green", got)
	}
}

func TestFinishDropsBindingsWithoutCache(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	l := layer(t, mem, solid(2, 2, red), geom.R(0, 0, 2, 2), composition.BlendNone)
	dst := image.NewRGBA(image.Rect(0, 0, 2, 2))
	regions := []composition.Region{{Frame: geom.R(0, 0, 2, 2), SourceLayers: []int{0}}}

	s := newSoftware(t)
	if err := s.Composite([]*composition.Layer{l}, regions, object(1, dst)); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	if s.Bindings() != 1 {
		t.Errorf("Bindings() with cache = %d, want 1", s.Bindings())
	}

	s.SetFramebufferCache(false)
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	if s.Bindings() != 0 {
		t.Errorf("Bindings() without cache = %d, want 0", s.Bindings())
	}
}

func TestCompositeXRGBDestination(t *testing.T) {
	mem := buffer.NewMemoryAllocator()
	l := layer(t, mem, solid(2, 2, blue), geom.R(0, 0, 2, 2), composition.BlendNone)
	pix := make([]byte, 2*2*4)
	dst := &buffer.Object{Handle: 5, Width: 2, Height: 2, Pixels: buffer.NewXRGB(pix, 8, 2, 2)}

	s := newSoftware(t)
	regions := []composition.Region{{Frame: geom.R(0, 0, 2, 2), SourceLayers: []int{0}}}
	if err := s.Composite([]*composition.Layer{l}, regions, dst); err != nil {
		t.Fatal(err)
	}
	// BGRX byte order.
	if pix[0] != 255 || pix[1] != 0 || pix[2] != 0 {
		t.Errorf("first pixel bytes = %v", pix[:4])
	}
}
