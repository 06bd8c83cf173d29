//go:build !linux

package hotplug

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by NewMonitor on systems without netlink.
var ErrUnsupported = errors.New("hotplug monitoring requires linux")

// Event represents a kernel device event.
type Event struct {
	Action    string
	KObj      string
	Subsystem string
	DevType   string
	DevName   string
	DevPath   string
	Hotplug   bool
	Connector uint32
	Property  uint32
	Env       map[string]string
}

// IsDisplayHotplug always reports false.
func (Event) IsDisplayHotplug() bool { return false }

// SubsystemDRM is the subsystem of DRM cards and connectors.
const SubsystemDRM = "drm"

// Monitor is unavailable on this platform.
type Monitor struct{}

// NewMonitor returns ErrUnsupported.
func NewMonitor() (*Monitor, error) { return nil, ErrUnsupported }

// AddSubsystemFilter does nothing.
func (m *Monitor) AddSubsystemFilter(string) {}

// Close does nothing.
func (m *Monitor) Close() error { return nil }

// Run closes events and returns ErrUnsupported.
func (m *Monitor) Run(_ context.Context, events chan<- Event) error {
	close(events)
	return ErrUnsupported
}
