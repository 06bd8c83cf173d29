package squash

import (
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/geom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func threeLayers() []Input {
	return []Input{
		{Frame: geom.R(0, 0, 100, 100), Handle: 1},
		{Frame: geom.R(50, 50, 150, 150), Handle: 2},
		{Frame: geom.R(200, 0, 300, 50), Handle: 3},
	}
}

// step runs one incremental frame the way a composition plan does and
// returns the stable flags and the squash-changed result.
func step(s *State, layers []Input) ([]bool, bool) {
	changed := s.GenerateHistory(layers)
	stable := s.StableRegionsWithMarginalHistory(changed)
	s.RecordHistory(layers, changed)
	return stable, s.RecordAndCompareSquashed(stable)
}

func allTrue(v []bool) bool {
	return len(v) > 0 && !slices.Contains(v, false)
}

func TestInitBuildsRegions(t *testing.T) {
	s := NewState(testLogger())
	s.Init(threeLayers())
	if s.Generation() != 1 {
		t.Errorf("Generation() = %d", s.Generation())
	}
	// Two overlapping squares give 5 cells (two L-shapes split in 2 each plus
	// the overlap); the disjoint layer adds one more.
	regions := s.Regions()
	var overlap int
	for _, r := range regions {
		if r.Layers == geom.SetOf(0, 1) {
			overlap++
			if r.Rect != geom.R(50, 50, 100, 100) {
				t.Errorf("overlap rect = %v", r.Rect)
			}
		}
	}
	if overlap != 1 {
		t.Errorf("found %d overlap regions, want 1", overlap)
	}
}

func TestStableAfterQuietWindow(t *testing.T) {
	s := NewState(testLogger())
	layers := threeLayers()
	s.Init(layers)

	for frame := 1; frame <= 8; frame++ {
		stable, didChange := step(s, layers)
		switch {
		case frame < 7:
			if slices.Contains(stable, true) {
				t.Fatalf("frame %d: region stable before the quiet window", frame)
			}
			if didChange {
				t.Fatalf("frame %d: squash set changed before anything was stable", frame)
			}
		case frame == 7:
			if !allTrue(stable) {
				t.Fatalf("frame 7: stable = %v, want all true", stable)
			}
			if !didChange {
				t.Fatal("frame 7: expected squash set change")
			}
		case frame == 8:
			if !allTrue(stable) {
				t.Fatalf("frame 8: stable = %v", stable)
			}
			if didChange {
				t.Fatal("frame 8: squash set should not change again")
			}
		}
	}
}

func TestIsolatedChangeNeedsSixQuietFrames(t *testing.T) {
	s := NewState(testLogger())
	layers := threeLayers()
	s.Init(layers)
	for range 10 {
		step(s, layers)
	}

	// Layer 2 is alone in its region; change it once.
	layers[2].Handle = 30
	regionOf2 := -1
	for i, r := range s.Regions() {
		if r.Layers == geom.SetOf(2) {
			regionOf2 = i
		}
	}
	if regionOf2 < 0 {
		t.Fatal("no region for layer 2")
	}

	stable, _ := step(s, layers)
	if stable[regionOf2] {
		t.Fatal("changed region reported stable")
	}
	for quiet := 1; quiet <= 6; quiet++ {
		stable, _ = step(s, layers)
		if stable[regionOf2] {
			t.Fatalf("region stable after only %d quiet frames recorded", quiet-1)
		}
	}
	stable, _ = step(s, layers)
	if !stable[regionOf2] {
		t.Error("region not stable after 6 quiet frames were recorded")
	}
}

func TestProtectedNeverStable(t *testing.T) {
	s := NewState(testLogger())
	layers := threeLayers()
	layers[2].Protected = true
	s.Init(layers)

	var stable []bool
	for range 20 {
		stable, _ = step(s, layers)
	}
	for i, r := range s.Regions() {
		if r.Layers.Has(2) && stable[i] {
			t.Errorf("region %v containing protected layer reported stable", r.Rect)
		}
		if !r.Layers.Has(2) && !stable[i] {
			t.Errorf("unrelated region %v not stable", r.Rect)
		}
	}
}

func TestLayerCountMismatch(t *testing.T) {
	s := NewState(testLogger())
	layers := threeLayers()
	s.Init(layers)
	for range 10 {
		step(s, layers)
	}
	changed := s.GenerateHistory(layers[:2])
	if !allTrue(changed) {
		t.Errorf("mismatched layer count should mark every region changed, got %v", changed)
	}
	before := s.ValidHistory()
	s.RecordHistory(layers[:2], changed)
	if s.ValidHistory() != before {
		t.Error("RecordHistory recorded despite mismatch")
	}
}

func TestInitResetsHistory(t *testing.T) {
	s := NewState(testLogger())
	layers := threeLayers()
	s.Init(layers)
	for range 10 {
		step(s, layers)
	}
	s.Init(append(layers, Input{Frame: geom.R(0, 200, 10, 210), Handle: buffer.Handle(9)}))
	if s.ValidHistory() != 0 || s.Generation() != 2 {
		t.Errorf("after re-Init: history=%d generation=%d", s.ValidHistory(), s.Generation())
	}
	for _, r := range s.Regions() {
		if r.Squashed || r.History != 0 {
			t.Errorf("region %v kept state across Init", r.Rect)
		}
	}
}
