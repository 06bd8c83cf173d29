package main

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/hwcomposer/cmd"
	"github.com/smazurov/hwcomposer/internal/api"
	"github.com/smazurov/hwcomposer/internal/config"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"hwcd.toml"`

	// Device settings
	DevicePath    string `help:"DRM card to drive" short:"d" default:"/dev/dri/card0" toml:"device.path" env:"DEVICE_PATH"`
	DeviceSync    string `help:"sw_sync timeline node for release fences" default:"/sys/kernel/debug/sync/sw_sync" toml:"device.sync_timeline" env:"DEVICE_SYNC_TIMELINE"`
	DeviceVirtual string `help:"Drive virtual displays instead of a card, e.g. 1920x1080+2,1280x720" toml:"device.virtual" env:"DEVICE_VIRTUAL"`

	// Compositor settings
	UseOverlayPlanes    bool   `help:"Scan layers out on overlay planes" default:"true" toml:"compositor.use_overlay_planes" env:"USE_OVERLAY_PLANES"`
	UseFramebufferCache bool   `help:"Cache pre-compositor framebuffer bindings" default:"true" toml:"compositor.use_framebuffer_cache" env:"USE_FRAMEBUFFER_CACHE"`
	SquashTimeout       string `help:"Idle time before a display is squashed" default:"500ms" toml:"compositor.squash_timeout" env:"SQUASH_TIMEOUT"`
	AcquireWaitTimeout  string `help:"Initial wait for a layer acquire fence, doubled over five tries" default:"100ms" toml:"compositor.acquire_wait_timeout" env:"ACQUIRE_WAIT_TIMEOUT"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8091" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username (empty disables auth)" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Metrics settings
	MetricsInterval string `help:"Display state sampling interval" default:"5s" toml:"metrics.interval" env:"METRICS_INTERVAL"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingCompositor string `help:"Compositor logging level" default:"info" toml:"logging.compositor" env:"LOGGING_COMPOSITOR"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingConfig     string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingHotplug    string `help:"Hotplug monitor logging level" default:"info" toml:"logging.hotplug" env:"LOGGING_HOTPLUG"`
	LoggingMetrics    string `help:"Metrics logging level" default:"info" toml:"logging.metrics" env:"LOGGING_METRICS"`
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"compositor": o.LoggingCompositor,
			"api":        o.LoggingAPI,
			"config":     o.LoggingConfig,
			"hotplug":    o.LoggingHotplug,
			"metrics":    o.LoggingMetrics,
		},
	}
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.loggingConfig())

		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.ToLogEntryEvent(entry))
		})

		d := newDaemon(opts, eventBus)
		hooks.OnStart(d.start)
		hooks.OnStop(d.stop)
	})

	cli.Root().Use = "hwcd"
	cli.Root().Short = "DRM/KMS hardware display compositor"

	simulateCmd := cmd.CreateSimulateCmd()
	cli.Root().AddCommand(simulateCmd)

	cli.Run()
}
