// Package compositor drives one display per worker pair: a compositor worker
// that prepares queued compositions and a frame worker that commits them.
package compositor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/kms"
)

var (
	// ErrAlreadySquashed is returned when a frame has fewer than two planes
	// to merge.
	ErrAlreadySquashed = errors.New("composition already squashed")
	// ErrDisplayOff is returned when queueing a frame to a display in DPMS off.
	ErrDisplayOff = errors.New("display is off")
	// ErrUnknownDisplay is returned for a display index the device lacks.
	ErrUnknownDisplay = errors.New("unknown display")
	// ErrUnknownMode is returned for a mode the connector does not offer.
	ErrUnknownMode = errors.New("unknown mode")
)

const (
	// MaxQueueDepth is how many compositions may wait per display before
	// QueueComposition blocks.
	MaxQueueDepth = 2
	// DefaultAcquireWaitTimeout is the first of five growing waits on a
	// layer's acquire fence.
	DefaultAcquireWaitTimeout = 100 * time.Millisecond
	// DefaultSquashTimeout is how long a display must be idle before its
	// planes are squashed into one.
	DefaultSquashTimeout = 500 * time.Millisecond

	acquireWaitTries = 5
	framebufferCount = 2
)

// PreCompositor blends regions of layers into one destination buffer. It is
// created lazily on the compositor worker and only used from there.
type PreCompositor interface {
	Init() error
	Composite(layers []*composition.Layer, regions []composition.Region, dst *buffer.Object) error
	Finish() error
}

// framebufferCacher is implemented by pre-compositors that can keep
// per-buffer state between frames.
type framebufferCacher interface {
	SetFramebufferCache(enabled bool)
}

// Options configures a DRM compositor and its displays.
type Options struct {
	Logger *slog.Logger
	Device kms.Device
	// Allocator backs the squash and precomposition framebuffers. Buffers it
	// allocates must be importable by Compositions.Importer.
	Allocator        buffer.Allocator
	Compositions     composition.Deps
	NewPreCompositor func() PreCompositor
	Bus              *events.Bus

	UseOverlayPlanes    bool
	UseFramebufferCache bool
	AcquireWaitTimeout  time.Duration
	SquashTimeout       time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Compositions.Logger == nil {
		o.Compositions.Logger = o.Logger
	}
	if o.Compositions.Planner == nil {
		o.Compositions.Planner = composition.NewPlanner(o.Logger)
	}
	if o.AcquireWaitTimeout <= 0 {
		o.AcquireWaitTimeout = DefaultAcquireWaitTimeout
	}
	if o.SquashTimeout <= 0 {
		o.SquashTimeout = DefaultSquashTimeout
	}
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

func codeString(err error) string {
	if code, ok := composition.CodeOf(err); ok {
		return string(code)
	}
	return "UNKNOWN"
}
