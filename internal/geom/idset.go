package geom

import (
	"errors"
	"math/bits"
)

// MaxIDs is the hard ceiling on the number of indices an IDSet can hold.
const MaxIDs = 64

// ErrSetOverflow is returned when an index does not fit in an IDSet.
var ErrSetOverflow = errors.New("layer index exceeds 64-entry set")

// IDSet is a fixed-width set of small non-negative indices.
type IDSet uint64

// SetOf builds a set from the given indices. Indices outside [0, 64) are ignored.
func SetOf(ids ...int) IDSet {
	var s IDSet
	for _, id := range ids {
		if id >= 0 && id < MaxIDs {
			s |= 1 << uint(id)
		}
	}
	return s
}

// Add returns s with id included.
func (s IDSet) Add(id int) (IDSet, error) {
	if id < 0 || id >= MaxIDs {
		return s, ErrSetOverflow
	}
	return s | 1<<uint(id), nil
}

// Remove returns s without id.
func (s IDSet) Remove(id int) IDSet {
	if id < 0 || id >= MaxIDs {
		return s
	}
	return s &^ (1 << uint(id))
}

// Has reports whether id is in s.
func (s IDSet) Has(id int) bool {
	if id < 0 || id >= MaxIDs {
		return false
	}
	return s&(1<<uint(id)) != 0
}

func (s IDSet) Union(o IDSet) IDSet     { return s | o }
func (s IDSet) Intersect(o IDSet) IDSet { return s & o }
func (s IDSet) Subtract(o IDSet) IDSet  { return s &^ o }
func (s IDSet) Empty() bool             { return s == 0 }
func (s IDSet) Len() int                { return bits.OnesCount64(uint64(s)) }
func (s IDSet) Bits() uint64            { return uint64(s) }

// Shift returns the set with every index lowered by n. Indices below n are dropped.
func (s IDSet) Shift(n int) IDSet {
	if n >= MaxIDs {
		return 0
	}
	return s >> uint(n)
}

// IDs returns the members in ascending order.
func (s IDSet) IDs() []int {
	ids := make([]int, 0, s.Len())
	for v := uint64(s); v != 0; v &= v - 1 {
		ids = append(ids, bits.TrailingZeros64(v))
	}
	return ids
}
