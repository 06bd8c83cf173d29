// Package collectors samples compositor state into metrics.
package collectors

import (
	"context"
	"log/slog"
	"time"

	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/metrics"
)

// StatusSource reports the state of every display.
type StatusSource interface {
	Status() []compositor.Status
}

// DisplayCollector samples display state gauges on an interval. Event
// driven counters are kept by metrics.Recorder.
type DisplayCollector struct {
	logger   *slog.Logger
	source   StatusSource
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewDisplayCollector creates a collector sampling source every interval.
func NewDisplayCollector(source StatusSource, interval time.Duration, logger *slog.Logger) *DisplayCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DisplayCollector{
		logger:   logger,
		source:   source,
		interval: interval,
	}
}

// Start begins collecting.
func (c *DisplayCollector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Stop stops the collector and waits for it to exit.
func (c *DisplayCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

func (c *DisplayCollector) run() {
	defer close(c.done)
	c.logger.Info("Starting display metrics collection", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *DisplayCollector) collect() {
	for _, s := range c.source.Status() {
		metrics.SetDisplayState(s.Display, s.Active, s.HWOverlays, s.Queued)
	}
}
