package composition

import (
	"testing"

	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/squash"
)

func twoDisplaysShared(shared int) *kms.VirtualDevice {
	return kms.NewVirtualDevice(kms.VirtualConfig{
		Displays: []kms.VirtualDisplay{
			{Width: 1920, Height: 1080},
			{Width: 1280, Height: 720},
		},
		SharedOverlays: shared,
	})
}

func newTestFrame(t *testing.T, dev kms.Device, useOverlays bool) *Frame {
	t.Helper()
	f, err := NewFrame(dev, testDeps(), dev.Displays(), 1, useOverlays)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(f.Retire)
	return f
}

func TestFramePoolSharedInOrder(t *testing.T) {
	tests := []struct {
		name      string
		layers    [2]int
		wantLayer [2]int
		wantLeft  int
	}{
		{name: "first display takes shared planes", layers: [2]int{3, 1}, wantLayer: [2]int{3, 1}, wantLeft: 0},
		{name: "second display gets the rest", layers: [2]int{1, 2}, wantLayer: [2]int{1, 2}, wantLeft: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := twoDisplaysShared(2)
			f := newTestFrame(t, dev, true)
			for d, n := range tt.layers {
				layers := make([]*Layer, 0, n)
				for i := range n {
					layers = append(layers, frameLayers(square(i))[0])
				}
				if err := f.Composition(d).SetLayers(layers, true); err != nil {
					t.Fatal(err)
				}
			}

			if err := f.Plan(nil); err != nil {
				t.Fatal(err)
			}
			for d, want := range tt.wantLayer {
				if got := countPlanes(f.Composition(d).Planes(), PlaneLayer); got != want {
					t.Errorf("display %d: %d layer planes, want %d", d, got, want)
				}
			}
			if f.Pool().Len() != tt.wantLeft {
				t.Errorf("pool has %d planes, want %d", f.Pool().Len(), tt.wantLeft)
			}

			used := make(map[*kms.Plane]int)
			for _, c := range f.Compositions() {
				for _, p := range c.Planes() {
					used[p.Plane]++
				}
			}
			for p, n := range used {
				if n > 1 {
					t.Errorf("plane %d used by %d displays", p.ID, n)
				}
			}
		})
	}
}

func TestFrameWithoutOverlays(t *testing.T) {
	dev := twoDisplaysShared(2)
	f := newTestFrame(t, dev, false)
	if len(f.Pool().Overlay) != 0 {
		t.Errorf("overlay pool = %d planes, want 0", len(f.Pool().Overlay))
	}
	if len(f.Pool().Primary) != 2 {
		t.Errorf("primary pool = %d planes, want 2", len(f.Pool().Primary))
	}
}

func TestDisableUnusedPlanes(t *testing.T) {
	dev := twoDisplaysShared(2)
	f := newTestFrame(t, dev, true)
	if err := f.Composition(0).SetLayers(frameLayers(square(0)), true); err != nil {
		t.Fatal(err)
	}
	if err := f.Composition(1).SetLayers(frameLayers(square(0), square(1)), true); err != nil {
		t.Fatal(err)
	}
	if err := f.Plan(nil); err != nil {
		t.Fatal(err)
	}
	f.DisableUnusedPlanes()

	if got := countPlanes(f.Composition(0).Planes(), PlaneDisable); got != 1 {
		t.Errorf("display 0 disabled %d planes, want 1", got)
	}
	if got := countPlanes(f.Composition(1).Planes(), PlaneDisable); got != 0 {
		t.Errorf("display 1 disabled %d planes, want 0", got)
	}
	if f.Pool().Len() != 0 {
		t.Errorf("pool has %d planes after disabling", f.Pool().Len())
	}
}

func TestDisableUnusedPlanesSkipsModeset(t *testing.T) {
	dev := twoDisplaysShared(1)
	f := newTestFrame(t, dev, true)
	if err := f.Composition(0).SetDisplayMode(kms.NewMode(1920, 1080, 60)); err != nil {
		t.Fatal(err)
	}
	if err := f.Composition(1).SetLayers(nil, true); err != nil {
		t.Fatal(err)
	}
	if err := f.Plan(map[int]*squash.State{1: squash.NewState(testLogger())}); err != nil {
		t.Fatal(err)
	}
	f.DisableUnusedPlanes()

	if n := len(f.Composition(0).Planes()); n != 0 {
		t.Errorf("modeset composition got %d planes", n)
	}
	disabled := f.Composition(1).Planes()
	if len(disabled) != 2 {
		t.Fatalf("display 1 has %d planes, want primary and shared overlay", len(disabled))
	}
	for _, p := range disabled {
		if p.Type != PlaneDisable {
			t.Errorf("plane %d type %v", p.Plane.ID, p.Type)
		}
		if !p.Plane.SupportsCrtc(f.Composition(1).Crtc()) {
			t.Errorf("disabled plane %d cannot drive display 1", p.Plane.ID)
		}
	}
}

func TestNewFrameUnknownDisplay(t *testing.T) {
	dev := twoDisplaysShared(0)
	_, err := NewFrame(dev, testDeps(), []int{0, 5}, 1, true)
	if !IsCode(err, CodeConfiguration) {
		t.Errorf("err = %v", err)
	}
}
