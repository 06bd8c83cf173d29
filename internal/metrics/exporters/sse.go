package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes a DisplayMetricsEvent per display so
// SSE clients can chart frame rates without scraping Prometheus.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	last     map[int]uint64
	lastAt   time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: time.Second,
		last:     make(map[int]uint64),
	}
}

// Start begins the export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastAt = time.Now()
	s.wg.Add(1)
	go s.run()
}

// Stop stops the exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.publishMetrics(now)
		}
	}
}

func (s *SSEExporter) publishMetrics(now time.Time) {
	elapsed := now.Sub(s.lastAt).Seconds()
	s.lastAt = now

	for display, m := range metrics.GetAllDisplayMetrics() {
		var fps float64
		if prev, ok := s.last[display]; ok && elapsed > 0 && m.FramesCommitted >= prev {
			fps = float64(m.FramesCommitted-prev) / elapsed
		}
		s.last[display] = m.FramesCommitted

		s.eventBus.Publish(events.DisplayMetricsEvent{
			Display:         display,
			FPS:             fps,
			FramesCommitted: m.FramesCommitted,
			CommitFailures:  m.CommitFailures,
			SquashFallbacks: m.SquashFallbacks,
			LastCommitMs:    m.LastCommitMs,
			Timestamp:       now.UTC().Format(time.RFC3339),
		})
	}
}
