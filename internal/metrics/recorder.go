package metrics

import (
	"github.com/smazurov/hwcomposer/internal/events"
)

// Recorder turns compositor events into metrics.
type Recorder struct {
	bus    *events.Bus
	unsubs []func()
}

// NewRecorder creates a recorder for bus. Nothing is recorded until Start.
func NewRecorder(bus *events.Bus) *Recorder {
	return &Recorder{bus: bus}
}

// Start subscribes to the bus.
func (r *Recorder) Start() {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(func(e events.FrameCommittedEvent) {
			RecordFrameCommitted(e.Display, e.DurationMs, e.LayerPlanes, e.Squashed)
		}),
		r.bus.Subscribe(func(e events.CommitFailedEvent) {
			RecordCommitFailure(e.Display, e.Code)
		}),
		r.bus.Subscribe(func(e events.SquashFallbackEvent) {
			RecordSquashFallback(e.Display)
		}),
		r.bus.Subscribe(func(e events.SquashAllEvent) {
			RecordSquashAll(e.Display)
		}),
		r.bus.Subscribe(func(e events.DPMSChangedEvent) {
			SetDisplayActive(e.Display, e.Mode == "on")
		}),
		r.bus.Subscribe(func(e events.HotplugEvent) {
			RecordHotplug(e.Action)
		}),
	)
}

// Stop unsubscribes from the bus.
func (r *Recorder) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}
