// Package scene describes layer stacks in TOML and replays them through the
// compositor against a virtual device.
//
// A scene lists the displays of the device, the layers shown on them and
// changes applied at given frame numbers:
//
//	frames = 120
//	squash_timeout = "2s"
//
//	[[device.displays]]
//	width = 1920
//	height = 1080
//	overlay_planes = 2
//
//	[[layers]]
//	name = "wallpaper"
//	frame = [0, 0, 1920, 1080]
//	color = "#203040"
//
//	[[layers]]
//	name = "video"
//	frame = [320, 180, 1280, 720]
//	color = "#808080"
//	update_every = 1
//
//	[[changes]]
//	at = 60
//	layer = "video"
//	move = [0, 0, 1920, 1080]
package scene

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/geom"
	"github.com/smazurov/hwcomposer/internal/kms"
)

// DefaultFrames is the number of frames replayed when a scene sets none.
const DefaultFrames = 60

// Scene is a parsed scene file.
type Scene struct {
	Frames        int               `toml:"frames"`
	SquashTimeout string            `toml:"squash_timeout"`
	Overlays      *bool             `toml:"use_overlay_planes"`
	Device        kms.VirtualConfig `toml:"device"`
	Layers        []LayerSpec       `toml:"layers"`
	Changes       []Change          `toml:"changes"`
}

// LayerSpec is a solid color layer. Layers are stacked per display in file
// order, first at the bottom.
type LayerSpec struct {
	Name      string     `toml:"name"`
	Display   int        `toml:"display"`
	Frame     [4]int     `toml:"frame"`
	Crop      [4]float64 `toml:"crop"`
	Color     string     `toml:"color"`
	Blending  string     `toml:"blending"`
	Alpha     *int       `toml:"alpha"`
	Transform []string   `toml:"transform"`
	Protected bool       `toml:"protected"`
	Hidden    bool       `toml:"hidden"`

	// UpdateEvery gives the layer a new buffer every n frames. Zero keeps
	// the first buffer for the whole run.
	UpdateEvery int `toml:"update_every"`
}

// Change alters a layer starting with frame At.
type Change struct {
	At     uint64  `toml:"at"`
	Layer  string  `toml:"layer"`
	Move   *[4]int `toml:"move"`
	Color  string  `toml:"color"`
	Alpha  *int    `toml:"alpha"`
	Hidden *bool   `toml:"hidden"`
}

// ErrInvalidScene is wrapped by every validation error.
var ErrInvalidScene = errors.New("invalid scene")

// Load reads and validates the scene file at path.
func Load(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scene. Unknown keys are rejected.
func Parse(data []byte) (*Scene, error) {
	var s Scene
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScene, strict.String())
		}
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	if s.Frames == 0 {
		s.Frames = DefaultFrames
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScene, fmt.Sprintf(format, args...))
}

func (s *Scene) validate() error {
	if s.Frames < 0 {
		return invalid("frames must not be negative")
	}
	if _, err := s.squashTimeout(); err != nil {
		return invalid("squash_timeout: %v", err)
	}
	if len(s.Device.Displays) == 0 {
		return invalid("no displays")
	}
	for i, d := range s.Device.Displays {
		if d.Width <= 0 || d.Height <= 0 {
			return invalid("display %d has no size", i)
		}
	}

	names := make(map[string]bool, len(s.Layers))
	for i, l := range s.Layers {
		if l.Name == "" {
			return invalid("layer %d has no name", i)
		}
		if names[l.Name] {
			return invalid("duplicate layer %q", l.Name)
		}
		names[l.Name] = true
		if l.Display < 0 || l.Display >= len(s.Device.Displays) {
			return invalid("layer %q is on missing display %d", l.Name, l.Display)
		}
		if l.Frame[2] <= 0 || l.Frame[3] <= 0 {
			return invalid("layer %q has an empty frame", l.Name)
		}
		if _, err := ParseColor(l.Color); err != nil {
			return invalid("layer %q: %v", l.Name, err)
		}
		if _, err := composition.ParseBlending(l.Blending); err != nil {
			return invalid("layer %q: %v", l.Name, err)
		}
		if _, err := ParseTransform(l.Transform); err != nil {
			return invalid("layer %q: %v", l.Name, err)
		}
		if err := checkAlpha(l.Alpha); err != nil {
			return invalid("layer %q: %v", l.Name, err)
		}
		if l.UpdateEvery < 0 {
			return invalid("layer %q: update_every must not be negative", l.Name)
		}
	}

	for i, c := range s.Changes {
		if !names[c.Layer] {
			return invalid("change %d targets unknown layer %q", i, c.Layer)
		}
		if c.At == 0 {
			return invalid("change %d: frames are numbered from 1", i)
		}
		if c.Move != nil && (c.Move[2] <= 0 || c.Move[3] <= 0) {
			return invalid("change %d moves %q to an empty frame", i, c.Layer)
		}
		if c.Color != "" {
			if _, err := ParseColor(c.Color); err != nil {
				return invalid("change %d: %v", i, err)
			}
		}
		if err := checkAlpha(c.Alpha); err != nil {
			return invalid("change %d: %v", i, err)
		}
	}
	return nil
}

func checkAlpha(a *int) error {
	if a != nil && (*a < 0 || *a > 0xFF) {
		return fmt.Errorf("alpha %d out of range", *a)
	}
	return nil
}

func (s *Scene) squashTimeout() (time.Duration, error) {
	if s.SquashTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.SquashTimeout)
}

// ParseColor parses #rrggbb or #rrggbbaa. An empty string is opaque black.
func ParseColor(s string) (color.NRGBA, error) {
	if s == "" {
		return color.NRGBA{A: 0xFF}, nil
	}
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return color.NRGBA{}, fmt.Errorf("color %q is not #rrggbb or #rrggbbaa", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("color %q: %w", s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xFF
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

var transforms = map[string]composition.Transform{
	"identity": composition.TransformIdentity,
	"flip_h":   composition.TransformFlipH,
	"flip_v":   composition.TransformFlipV,
	"rot90":    composition.TransformRotate90,
	"rot180":   composition.TransformRotate180,
	"rot270":   composition.TransformRotate270,
}

// ParseTransform combines transform names: flip_h, flip_v, rot90, rot180
// and rot270. At most one rotation may be given.
func ParseTransform(names []string) (composition.Transform, error) {
	var t composition.Transform
	rotations := 0
	for _, name := range names {
		v, ok := transforms[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown transform %q", name)
		}
		if v&(composition.TransformRotate90|composition.TransformRotate180|composition.TransformRotate270) != 0 {
			rotations++
		}
		t |= v
	}
	if rotations > 1 {
		return 0, errors.New("more than one rotation")
	}
	return t, nil
}

func frameRect(f [4]int) geom.Rect[int] {
	return geom.R(f[0], f[1], f[0]+f[2], f[1]+f[3])
}

func cropRect(c [4]float64, frame geom.Rect[int]) geom.Rect[float64] {
	if c[2] <= 0 || c[3] <= 0 {
		return composition.FullCrop(frame.Width(), frame.Height())
	}
	return geom.R(c[0], c[1], c[0]+c[2], c[1]+c[3])
}
