// Package logging provides structured logging with per-module log levels.
//
// Records go to stdout when it is connected, to the systemd journal when
// journald is running, and always to an in-memory ring buffer that backs
// the /api/logs endpoint.
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"compositor": "debug",
//			"api":        "warn",
//		},
//	})
//
// and fetch a logger per module:
//
//	logger := logging.GetLogger("compositor").With("display", id)
//	logger.Debug("Frame committed", "frame", n)
//
// Loggers are cached, so a logger fetched before Initialize or before a
// configuration reload follows the new levels. SetLevels changes levels at
// runtime without rebuilding handlers.
//
// Module names used by hwcd: compositor, api, config, hotplug, metrics,
// scene.
//
// # Viewing Logs
//
//	journalctl -t hwcd -f
//	journalctl -t hwcd MODULE=compositor DISPLAY=0
//	journalctl -t hwcd -p err
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	compositor = "debug"
package logging
