package blend

import (
	"golang.org/x/image/math/f64"

	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/geom"
)

var (
	identity = f64.Aff3{1, 0, 0, 0, 1, 0}
	flipH    = f64.Aff3{-1, 0, 1, 0, 1, 0}
	flipV    = f64.Aff3{1, 0, 0, 0, -1, 1}
	rotate90 = f64.Aff3{0, -1, 1, 1, 0, 0}
	rotate18 = f64.Aff3{-1, 0, 1, 0, -1, 1}
	rotate27 = f64.Aff3{0, 1, 0, -1, 0, 1}
)

// mul returns a∘b: b is applied first.
func mul(a, b f64.Aff3) f64.Aff3 {
	return f64.Aff3{
		a[0]*b[0] + a[1]*b[3],
		a[0]*b[1] + a[1]*b[4],
		a[0]*b[2] + a[1]*b[5] + a[2],
		a[3]*b[0] + a[4]*b[3],
		a[3]*b[1] + a[4]*b[4],
		a[3]*b[2] + a[4]*b[5] + a[5],
	}
}

// unitTransform maps the unit square of the source crop to the unit square of
// the display frame. Flips apply before the clockwise rotation.
func unitTransform(t composition.Transform) f64.Aff3 {
	m := identity
	if t&composition.TransformFlipH != 0 {
		m = mul(flipH, m)
	}
	if t&composition.TransformFlipV != 0 {
		m = mul(flipV, m)
	}
	switch {
	case t&composition.TransformRotate90 != 0:
		m = mul(rotate90, m)
	case t&composition.TransformRotate180 != 0:
		m = mul(rotate18, m)
	case t&composition.TransformRotate270 != 0:
		m = mul(rotate27, m)
	}
	return m
}

// sourceToRegion maps source buffer coordinates of crop onto coordinates
// relative to the top-left corner of region, with frame as the layer's
// destination.
func sourceToRegion(crop geom.Rect[float64], frame, region geom.Rect[int], t composition.Transform) f64.Aff3 {
	sw, sh := crop.Width(), crop.Height()
	toUnit := f64.Aff3{1 / sw, 0, -crop.Left / sw, 0, 1 / sh, -crop.Top / sh}
	toFrame := f64.Aff3{
		float64(frame.Width()), 0, float64(frame.Left - region.Left),
		0, float64(frame.Height()), float64(frame.Top - region.Top),
	}
	return mul(toFrame, mul(unitTransform(t), toUnit))
}

// scales reports whether the mapping resizes the crop.
func scales(crop geom.Rect[float64], frame geom.Rect[int], t composition.Transform) bool {
	w, h := float64(frame.Width()), float64(frame.Height())
	if t&(composition.TransformRotate90|composition.TransformRotate270) != 0 {
		w, h = h, w
	}
	return crop.Width() != w || crop.Height() != h
}
