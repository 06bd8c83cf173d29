package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(FrameCommittedEvent{...})
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case FrameCommittedEvent:
		event.Publish(b.dispatcher, e)
	case CommitFailedEvent:
		event.Publish(b.dispatcher, e)
	case SquashFallbackEvent:
		event.Publish(b.dispatcher, e)
	case SquashAllEvent:
		event.Publish(b.dispatcher, e)
	case DPMSChangedEvent:
		event.Publish(b.dispatcher, e)
	case ModesetEvent:
		event.Publish(b.dispatcher, e)
	case HotplugEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case DisplayMetricsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e CommitFailedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FrameCommittedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CommitFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SquashFallbackEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SquashAllEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DPMSChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ModesetEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(HotplugEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DisplayMetricsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Unknown handler types get a no-op unsubscribe
		return func() {}
	}
}
