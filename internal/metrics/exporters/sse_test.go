package exporters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/metrics"
)

type mockEventBus struct {
	mu        sync.Mutex
	events    []events.Event
	published chan struct{}
}

func newMockEventBus() *mockEventBus {
	return &mockEventBus{published: make(chan struct{}, 100)}
}

func (m *mockEventBus) Publish(ev events.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.published <- struct{}{}:
	default:
	}
}

func (m *mockEventBus) forDisplay(display int) []events.DisplayMetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.DisplayMetricsEvent
	for _, ev := range m.events {
		if e, ok := ev.(events.DisplayMetricsEvent); ok && e.Display == display {
			out = append(out, e)
		}
	}
	return out
}

func TestSSEExporterFrameRate(t *testing.T) {
	const display = 61
	metrics.DeleteDisplayMetrics(display)
	t.Cleanup(func() { metrics.DeleteDisplayMetrics(display) })

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	start := time.Now()
	exporter.lastAt = start

	metrics.RecordFrameCommitted(display, 1, 1, false)
	exporter.publishMetrics(start.Add(time.Second))

	for range 30 {
		metrics.RecordFrameCommitted(display, 2, 1, false)
	}
	metrics.RecordCommitFailure(display, "FENCE_TIMEOUT")
	exporter.publishMetrics(start.Add(1500 * time.Millisecond))

	got := mock.forDisplay(display)
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	if got[0].FPS != 0 {
		t.Errorf("first sample FPS = %v, want 0 without a baseline", got[0].FPS)
	}
	if got[1].FPS != 60 {
		t.Errorf("FPS = %v, want 60", got[1].FPS)
	}
	if got[1].FramesCommitted != 31 || got[1].CommitFailures != 1 || got[1].LastCommitMs != 2 {
		t.Errorf("sample = %+v", got[1])
	}
}

func TestSSEExporterLifecycle(t *testing.T) {
	const display = 62
	metrics.RecordSquashAll(display)
	t.Cleanup(func() { metrics.DeleteDisplayMetrics(display) })

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 10 * time.Millisecond

	// Stop before start should not panic
	exporter.Stop()

	exporter.Start(context.Background())
	select {
	case <-mock.published:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for metrics publish")
	}

	exporter.Stop()
	exporter.Stop()
	count := len(mock.forDisplay(display))
	time.Sleep(30 * time.Millisecond)
	if after := len(mock.forDisplay(display)); after != count {
		t.Errorf("events published after stop: got %d, want %d", after, count)
	}
}
