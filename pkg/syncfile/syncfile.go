//go:build linux

// Package syncfile drives software sync timelines and waits on sync_file
// descriptors.
package syncfile

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultTimelinePath is the sw_sync control node exposed through debugfs.
const DefaultTimelinePath = "/sys/kernel/debug/sync/sw_sync"

// ErrTimedOut is returned by Wait when the fence did not signal in time.
var ErrTimedOut = errors.New("sync file wait timed out")

type swSyncCreateFenceData struct {
	value uint32
	name  [32]byte
	fence int32
}

var (
	// _IOWR('W', 0, struct sw_sync_create_fence_data)
	ioctlCreateFence = uintptr(0xc0000000 | unsafe.Sizeof(swSyncCreateFenceData{})<<16 | 'W'<<8 | 0)
	// _IOW('W', 1, __u32)
	ioctlInc = uintptr(0x40000000 | 4<<16 | 'W'<<8 | 1)
)

// OpenTimeline opens a new sw_sync timeline. Each open of the control node
// creates an independent timeline starting at zero.
func OpenTimeline(path string) (int, error) {
	if path == "" {
		path = DefaultTimelinePath
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open sync timeline %s: %w", path, err)
	}
	return fd, nil
}

// CreateFence creates a fence on timeline fd that signals once the timeline
// reaches point.
func CreateFence(timeline int, name string, point uint32) (int, error) {
	arg := swSyncCreateFenceData{value: point}
	copy(arg.name[:len(arg.name)-1], name)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(timeline), ioctlCreateFence, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return -1, fmt.Errorf("SW_SYNC_IOC_CREATE_FENCE: %w", errno)
	}
	return int(arg.fence), nil
}

// Inc advances timeline by count.
func Inc(timeline int, count uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(timeline), ioctlInc, uintptr(unsafe.Pointer(&count)))
	if errno != 0 {
		return fmt.Errorf("SW_SYNC_IOC_INC: %w", errno)
	}
	return nil
}

// Wait blocks until the fence signals. A negative timeout waits forever.
func Wait(fence int, timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	deadline := time.Now().Add(timeout)
	for {
		fds := []unix.PollFd{{Fd: int32(fence), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			if timeout >= 0 {
				ms = int(time.Until(deadline) / time.Millisecond)
				if ms < 0 {
					return ErrTimedOut
				}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("poll sync file: %w", err)
		}
		if n == 0 {
			return ErrTimedOut
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("sync file %d signaled with error", fence)
		}
		return nil
	}
}

// Close closes a timeline or fence descriptor.
func Close(fd int) error {
	return unix.Close(fd)
}
