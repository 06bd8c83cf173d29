// Package separate decomposes overlapping rectangles into disjoint regions,
// each tagged with the indices of the inputs that cover it.
//
// The decomposition sweeps the x axis across every vertical edge. At each
// stop the vertical cross-section of the active rectangles is computed with a
// second sweep over their horizontal edges. A region stays open as long as a
// cross-section interval with the same top, bottom and covering set exists in
// every column; it is emitted the moment that triple disappears.
package separate

import (
	"cmp"
	"errors"
	"slices"

	"github.com/smazurov/hwcomposer/internal/geom"
)

// MaxRects is the maximum number of input rectangles.
const MaxRects = geom.MaxIDs

// ErrTooManyRects is returned when more than MaxRects inputs are given.
var ErrTooManyRects = errors.New("too many rectangles to separate")

// RectSet is one output region and the inputs covering it.
type RectSet[T geom.Number] struct {
	IDs  geom.IDSet
	Rect geom.Rect[T]
}

type span[T geom.Number] struct {
	top, bottom T
	ids         geom.IDSet
}

type openRect[T geom.Number] struct {
	span[T]
	left T
}

// Separate splits rects into pairwise-disjoint regions whose union is the union
// of the non-degenerate inputs. Input indices are preserved in the returned
// sets; degenerate inputs are ignored.
func Separate[T geom.Number](rects []geom.Rect[T]) ([]RectSet[T], error) {
	if len(rects) > MaxRects {
		return nil, ErrTooManyRects
	}

	type edge struct {
		x     T
		id    int
		start bool
	}
	edges := make([]edge, 0, 2*len(rects))
	for i, r := range rects {
		if r.Empty() {
			continue
		}
		edges = append(edges, edge{r.Left, i, true}, edge{r.Right, i, false})
	}
	slices.SortStableFunc(edges, func(a, b edge) int { return cmp.Compare(a.x, b.x) })

	var (
		out    []RectSet[T]
		open   []openRect[T]
		active geom.IDSet
	)
	for i := 0; i < len(edges); {
		x := edges[i].x
		for ; i < len(edges) && edges[i].x == x; i++ {
			if edges[i].start {
				active, _ = active.Add(edges[i].id)
			} else {
				active = active.Remove(edges[i].id)
			}
		}

		column := crossSection(rects, active)

		next := make([]openRect[T], 0, len(column))
		for _, o := range open {
			if slices.Contains(column, o.span) {
				next = append(next, o)
				continue
			}
			out = append(out, RectSet[T]{
				IDs:  o.ids,
				Rect: geom.R(o.left, o.top, x, o.bottom),
			})
		}
		for _, s := range column {
			if !slices.ContainsFunc(open, func(o openRect[T]) bool { return o.span == s }) {
				next = append(next, openRect[T]{span: s, left: x})
			}
		}
		slices.SortFunc(next, func(a, b openRect[T]) int { return cmp.Compare(a.top, b.top) })
		open = next
	}

	return out, nil
}

// crossSection returns the covered vertical intervals of the active rectangles,
// ordered top to bottom, with adjacent equal-set intervals merged.
func crossSection[T geom.Number](rects []geom.Rect[T], active geom.IDSet) []span[T] {
	if active.Empty() {
		return nil
	}

	type edge struct {
		y     T
		id    int
		start bool
	}
	ids := active.IDs()
	edges := make([]edge, 0, 2*len(ids))
	for _, id := range ids {
		edges = append(edges, edge{rects[id].Top, id, true}, edge{rects[id].Bottom, id, false})
	}
	slices.SortStableFunc(edges, func(a, b edge) int { return cmp.Compare(a.y, b.y) })

	var (
		spans   []span[T]
		covered geom.IDSet
	)
	for i := 0; i < len(edges); {
		y := edges[i].y
		for ; i < len(edges) && edges[i].y == y; i++ {
			if edges[i].start {
				covered, _ = covered.Add(edges[i].id)
			} else {
				covered = covered.Remove(edges[i].id)
			}
		}
		if i == len(edges) || covered.Empty() {
			continue
		}
		bottom := edges[i].y
		if n := len(spans); n > 0 && spans[n-1].ids == covered && spans[n-1].bottom == y {
			spans[n-1].bottom = bottom
			continue
		}
		spans = append(spans, span[T]{top: y, bottom: bottom, ids: covered})
	}
	return spans
}

// SeparateInts is Separate instantiated for integer device coordinates.
func SeparateInts(rects []geom.Rect[int]) ([]RectSet[int], error) {
	return Separate(rects)
}

// SeparateFloats is Separate instantiated for float coordinates.
func SeparateFloats(rects []geom.Rect[float64]) ([]RectSet[float64], error) {
	return Separate(rects)
}
