// Package squash tracks which screen regions have been static long enough to
// be cached in a single pre-blended buffer.
//
// A display's State is reset with Init whenever the layer geometry changes.
// Every other frame runs GenerateHistory, StableRegionsWithMarginalHistory,
// RecordHistory and RecordAndCompareSquashed in that order. A region becomes
// stable only after HistoryLength quiet frames, which keeps nearly-static
// animated content from flapping in and out of the squash buffer.
package squash

import (
	"log/slog"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/separate"
)

const (
	// HistoryLength is the number of quiet frames a region needs before it is
	// considered stable.
	HistoryLength = 6
	// MaxLayers is the number of layers a state can track.
	MaxLayers = geom.MaxIDs

	historyMask = 1<<HistoryLength - 1
)

// Input is the per-layer information the tracker needs.
type Input struct {
	Frame     geom.Rect[int]
	Handle    buffer.Handle
	Protected bool
}

// Region is one cell of the squash decomposition.
type Region struct {
	Rect     geom.Rect[int]
	Layers   geom.IDSet
	History  uint8
	Squashed bool
}

// State is the per-display squash tracker. It is owned by a single goroutine.
type State struct {
	logger       *slog.Logger
	generation   uint64
	validHistory int
	regions      []Region
	lastHandles  []buffer.Handle
}

// NewState returns an empty tracker.
func NewState(logger *slog.Logger) *State {
	return &State{logger: logger}
}

// Init recomputes the regions from the current layer frames and forgets all
// history.
func (s *State) Init(layers []Input) {
	s.generation++
	s.validHistory = 0
	s.regions = s.regions[:0]
	s.lastHandles = s.lastHandles[:0]

	rects := make([]geom.Rect[int], len(layers))
	for i, l := range layers {
		rects[i] = l.Frame
		s.lastHandles = append(s.lastHandles, l.Handle)
	}

	out, err := separate.SeparateInts(rects)
	if err != nil {
		s.logger.Warn("Cannot decompose layers for squashing", "layers", len(layers), "error", err)
		return
	}
	for _, r := range out {
		s.regions = append(s.regions, Region{Rect: r.Rect, Layers: r.IDs})
	}
}

// GenerateHistory reports, per region, whether any covering layer changed
// since the last recorded frame. Protected layers always count as changed.
func (s *State) GenerateHistory(layers []Input) []bool {
	changed := make([]bool, len(s.regions))
	if len(layers) != len(s.lastHandles) {
		s.logger.Error("Layer count changed without a geometry change",
			"expected", len(s.lastHandles), "got", len(layers))
		for i := range changed {
			changed[i] = true
		}
		return changed
	}

	var changedLayers geom.IDSet
	for i, l := range layers {
		if l.Protected || l.Handle != s.lastHandles[i] {
			changedLayers, _ = changedLayers.Add(i)
		}
	}
	for i, r := range s.regions {
		changed[i] = !r.Layers.Intersect(changedLayers).Empty()
	}
	return changed
}

// StableRegionsWithMarginalHistory reports, per region, whether it is
// unchanged now and was quiet for the whole history window.
func (s *State) StableRegionsWithMarginalHistory(changed []bool) []bool {
	stable := make([]bool, len(s.regions))
	for i := range s.regions {
		stable[i] = i < len(changed) && !changed[i] && s.isStable(i)
	}
	return stable
}

// RecordHistory snapshots the layer handles and shifts the change bits into
// each region's history.
func (s *State) RecordHistory(layers []Input, changed []bool) {
	if len(layers) != len(s.lastHandles) {
		s.logger.Error("Cannot record history: layer count mismatch",
			"expected", len(s.lastHandles), "got", len(layers))
		return
	}
	if len(changed) != len(s.regions) {
		s.logger.Error("Cannot record history: region count mismatch",
			"expected", len(s.regions), "got", len(changed))
		return
	}

	for i, l := range layers {
		s.lastHandles[i] = l.Handle
	}
	for i := range s.regions {
		h := s.regions[i].History << 1
		if changed[i] {
			h |= 1
		}
		s.regions[i].History = h & historyMask
	}
	s.validHistory++
}

// RecordAndCompareSquashed stores the squashed flags and reports whether any
// of them differs from the previous frame.
func (s *State) RecordAndCompareSquashed(squashed []bool) bool {
	if len(squashed) != len(s.regions) {
		s.logger.Error("Cannot record squashed regions: region count mismatch",
			"expected", len(s.regions), "got", len(squashed))
		return false
	}
	changed := false
	for i := range s.regions {
		if s.regions[i].Squashed != squashed[i] {
			s.regions[i].Squashed = squashed[i]
			changed = true
		}
	}
	return changed
}

func (s *State) isStable(i int) bool {
	return s.validHistory >= HistoryLength && s.regions[i].History == 0
}

// Regions returns a copy of the current decomposition.
func (s *State) Regions() []Region {
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Generation counts Init calls.
func (s *State) Generation() uint64 { return s.generation }

// ValidHistory returns the number of frames recorded since Init.
func (s *State) ValidHistory() int { return s.validHistory }
