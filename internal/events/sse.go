package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T to ch for select-based
// consumers such as SSE handlers. Events are dropped while ch is full so a
// slow client never blocks a publisher.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeDisplayEvents forwards every compositor event to ch. Log entries
// are left out; subscribe to LogEntryEvent separately for those.
func SubscribeDisplayEvents(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[FrameCommittedEvent](bus, ch),
		SubscribeToChannel[CommitFailedEvent](bus, ch),
		SubscribeToChannel[SquashFallbackEvent](bus, ch),
		SubscribeToChannel[SquashAllEvent](bus, ch),
		SubscribeToChannel[DPMSChangedEvent](bus, ch),
		SubscribeToChannel[ModesetEvent](bus, ch),
		SubscribeToChannel[HotplugEvent](bus, ch),
		SubscribeToChannel[DisplayMetricsEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
