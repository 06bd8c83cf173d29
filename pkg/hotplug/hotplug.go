//go:build linux

// Package hotplug monitors kernel uevents for display devices over netlink.
//
// DRM drivers send a "change" uevent on the card with HOTPLUG=1 when a
// connector's status changes. Drivers that know which connector changed add
// CONNECTOR and PROPERTY ids.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Action constants for device events.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// SubsystemDRM is the subsystem of DRM cards and connectors.
const SubsystemDRM = "drm"

// Event represents a kernel device event.
type Event struct {
	Action    string            // "add", "remove", "change", etc.
	KObj      string            // Kernel object path: /devices/platform/display-subsystem/drm/card0
	Subsystem string            // "drm", "usb", etc.
	DevType   string            // "drm_minor" for cards
	DevName   string            // Device name (e.g., "dri/card0")
	DevPath   string            // Sysfs path without the /sys prefix
	Hotplug   bool              // HOTPLUG=1 on DRM change events
	Connector uint32            // Connector object id, 0 if the driver did not say
	Property  uint32            // Changed connector property id, 0 if unknown
	Env       map[string]string // All environment variables from the event
}

// IsDisplayHotplug reports whether e announces a change of connector state.
func (e Event) IsDisplayHotplug() bool {
	if e.Subsystem != SubsystemDRM {
		return false
	}
	switch e.Action {
	case ActionChange:
		return e.Hotplug
	case ActionAdd, ActionRemove:
		// A card appearing or going away changes every connector.
		return e.DevType == "drm_minor"
	}
	return false
}

// Monitor listens for kernel device events via netlink.
type Monitor struct {
	fd        int
	filters   map[string]struct{}
	filtersMu sync.RWMutex
}

// NewMonitor opens a netlink socket bound to the kernel uevent broadcast group.
func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // Kernel broadcast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Monitor{
		fd:      fd,
		filters: make(map[string]struct{}),
	}, nil
}

// AddSubsystemFilter adds a subsystem filter. Only events from matching
// subsystems will be returned. If no filters are added, all events pass through.
// This method is safe for concurrent use.
func (m *Monitor) AddSubsystemFilter(subsystem string) {
	m.filtersMu.Lock()
	m.filters[subsystem] = struct{}{}
	m.filtersMu.Unlock()
}

func (m *Monitor) accepts(subsystem string) bool {
	m.filtersMu.RLock()
	defer m.filtersMu.RUnlock()
	if len(m.filters) == 0 {
		return true
	}
	_, ok := m.filters[subsystem]
	return ok
}

// Close releases the monitor resources.
func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}

// Run sends events to the provided channel until the context is cancelled or
// the socket fails. The events channel is closed when Run returns.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	defer close(events)

	// A receive timeout lets the loop notice cancellation.
	tv := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(m.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}

	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		event := ParseUEvent(buf[:n])
		if event == nil || !m.accepts(event.Subsystem) {
			continue
		}

		select {
		case events <- *event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseUEvent parses a kernel uevent message of the form
// "ACTION@KOBJ\0KEY=VALUE\0KEY=VALUE\0...". It returns nil for anything else,
// including messages rebroadcast by udevd.
func ParseUEvent(data []byte) *Event {
	if len(data) == 0 || bytes.HasPrefix(data, []byte("libudev")) {
		return nil
	}

	parts := bytes.Split(data, []byte{0})
	action, kobj, ok := strings.Cut(string(parts[0]), "@")
	if !ok || action == "" {
		return nil
	}

	event := &Event{
		Action: action,
		KObj:   kobj,
		Env:    make(map[string]string),
	}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok || key == "" {
			continue
		}
		event.Env[key] = value

		switch key {
		case "SUBSYSTEM":
			event.Subsystem = value
		case "DEVTYPE":
			event.DevType = value
		case "DEVNAME":
			event.DevName = value
		case "DEVPATH":
			event.DevPath = value
		case "HOTPLUG":
			event.Hotplug = value == "1"
		case "CONNECTOR":
			event.Connector = parseID(value)
		case "PROPERTY":
			event.Property = parseID(value)
		}
	}
	return event
}

func parseID(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}
