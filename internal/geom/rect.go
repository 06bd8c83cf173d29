// Package geom holds the rectangle and layer-set primitives shared by the
// composition pipeline.
package geom

import "fmt"

// Number is the set of coordinate types a Rect can be instantiated with.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// Rect is an axis-aligned rectangle. Right and Bottom are exclusive.
type Rect[T Number] struct {
	Left   T `json:"left" toml:"left"`
	Top    T `json:"top" toml:"top"`
	Right  T `json:"right" toml:"right"`
	Bottom T `json:"bottom" toml:"bottom"`
}

// R builds a rectangle from its edges.
func R[T Number](left, top, right, bottom T) Rect[T] {
	return Rect[T]{Left: left, Top: top, Right: right, Bottom: bottom}
}

// Width returns Right-Left.
func (r Rect[T]) Width() T { return r.Right - r.Left }

// Height returns Bottom-Top.
func (r Rect[T]) Height() T { return r.Bottom - r.Top }

// Empty reports whether the rectangle has zero or negative extent.
func (r Rect[T]) Empty() bool {
	return r.Left >= r.Right || r.Top >= r.Bottom
}

// Area returns the covered area, zero for degenerate rectangles.
func (r Rect[T]) Area() T {
	if r.Empty() {
		return 0
	}
	return r.Width() * r.Height()
}

// Intersect returns the overlap of r and o. The result may be empty.
func (r Rect[T]) Intersect(o Rect[T]) Rect[T] {
	return Rect[T]{
		Left:   max(r.Left, o.Left),
		Top:    max(r.Top, o.Top),
		Right:  min(r.Right, o.Right),
		Bottom: min(r.Bottom, o.Bottom),
	}
}

// Contains reports whether the point (x, y) lies inside r.
func (r Rect[T]) Contains(x, y T) bool {
	return x >= r.Left && x < r.Right && y >= r.Top && y < r.Bottom
}

// ContainsRect reports whether o lies entirely inside r.
func (r Rect[T]) ContainsRect(o Rect[T]) bool {
	return o.Left >= r.Left && o.Right <= r.Right && o.Top >= r.Top && o.Bottom <= r.Bottom
}

func (r Rect[T]) String() string {
	return fmt.Sprintf("[%v,%v %vx%v]", r.Left, r.Top, r.Width(), r.Height())
}

// ToFloat converts an integer rectangle to float64 coordinates.
func ToFloat[T Number](r Rect[T]) Rect[float64] {
	return Rect[float64]{
		Left:   float64(r.Left),
		Top:    float64(r.Top),
		Right:  float64(r.Right),
		Bottom: float64(r.Bottom),
	}
}

// ToInt truncates a rectangle to integer coordinates.
func ToInt[T Number](r Rect[T]) Rect[int] {
	return Rect[int]{
		Left:   int(r.Left),
		Top:    int(r.Top),
		Right:  int(r.Right),
		Bottom: int(r.Bottom),
	}
}
