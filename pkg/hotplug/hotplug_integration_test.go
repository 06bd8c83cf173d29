//go:build linux && integration

package hotplug

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestMonitorIntegration is a manual test that requires actual display events.
// Run with: go test -tags=integration -v -run TestMonitorIntegration -timeout 60s
// Then plug or unplug a monitor within the timeout.
func TestMonitorIntegration(t *testing.T) {
	m, err := NewMonitor()
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}
	defer func() { _ = m.Close() }()
	m.AddSubsystemFilter(SubsystemDRM)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := make(chan Event, 10)
	go func() {
		if runErr := m.Run(ctx, events); runErr != nil && !errors.Is(runErr, context.DeadlineExceeded) {
			t.Logf("Run() error: %v", runErr)
		}
	}()

	t.Log("Waiting for drm events... plug or unplug a monitor")
	for event := range events {
		t.Logf("Received event: Action=%s DevName=%s Hotplug=%v Connector=%d",
			event.Action, event.DevName, event.Hotplug, event.Connector)
		if event.IsDisplayHotplug() {
			return
		}
	}
	t.Log("No display hotplug received (expected if nothing was plugged)")
}
