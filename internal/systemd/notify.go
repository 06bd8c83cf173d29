// Package systemd reports hwcd's lifecycle to the service manager.
package systemd

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. Outside systemd every call is a no-op.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier returns a Notifier logging failures to logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("Failed to notify systemd", "state", state, "error", err)
	}
	return sent
}

// Ready reports that every display is initialized.
func (n *Notifier) Ready(status string) {
	if n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status) {
		n.logger.Debug("Notified systemd", "status", status)
	}
}

// Stopping reports that shutdown has begun.
func (n *Notifier) Stopping() {
	n.notify(daemon.SdNotifyStopping)
}

// Watchdog pings the service watchdog at half the configured interval until
// ctx is done. It returns at once when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return err
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if healthy == nil || healthy() {
				n.notify(daemon.SdNotifyWatchdog)
			}
		}
	}
}
