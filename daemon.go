package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/hwcomposer/internal/api"
	"github.com/smazurov/hwcomposer/internal/blend"
	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/config"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/internal/metrics"
	"github.com/smazurov/hwcomposer/internal/metrics/collectors"
	"github.com/smazurov/hwcomposer/internal/metrics/exporters"
	"github.com/smazurov/hwcomposer/internal/systemd"
	"github.com/smazurov/hwcomposer/pkg/hotplug"
)

const shutdownTimeout = 5 * time.Second

// daemon runs the compositor and everything serving it until stopped.
type daemon struct {
	opts   *Options
	bus    *events.Bus
	logger *slog.Logger
	notify *systemd.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newDaemon(opts *Options, bus *events.Bus) *daemon {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.GetLogger("main")
	return &daemon{
		opts:   opts,
		bus:    bus,
		logger: logger,
		notify: systemd.NewNotifier(logger),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (d *daemon) start() {
	defer close(d.done)
	if err := d.run(d.ctx); err != nil {
		d.logger.Error("hwcd stopped", "error", err)
		os.Exit(1)
	}
}

func (d *daemon) stop() {
	d.logger.Info("Shutting down")
	d.notify.Stopping()
	d.cancel()
	select {
	case <-d.done:
	case <-time.After(shutdownTimeout):
		d.logger.Warn("Shutdown timed out")
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return dur, nil
}

func (d *daemon) run(ctx context.Context) error {
	squashTimeout, err := parseDuration("squash timeout", d.opts.SquashTimeout)
	if err != nil {
		return err
	}
	acquireTimeout, err := parseDuration("acquire wait timeout", d.opts.AcquireWaitTimeout)
	if err != nil {
		return err
	}
	metricsInterval, err := parseDuration("metrics interval", d.opts.MetricsInterval)
	if err != nil {
		return err
	}

	compLogger := logging.GetLogger("compositor")
	out, err := openOutput(d.opts, compLogger)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer func() {
		if closeErr := out.close(); closeErr != nil {
			d.logger.Warn("Failed to close device", "error", closeErr)
		}
	}()

	drm, err := compositor.New(compositor.Options{
		Logger:    compLogger,
		Device:    out.device,
		Allocator: out.allocator,
		Compositions: composition.Deps{
			Importer:  out.importer,
			Timelines: out.timelines,
		},
		NewPreCompositor:    func() compositor.PreCompositor { return blend.NewSoftware(compLogger) },
		Bus:                 d.bus,
		UseOverlayPlanes:    d.opts.UseOverlayPlanes,
		UseFramebufferCache: d.opts.UseFramebufferCache,
		AcquireWaitTimeout:  acquireTimeout,
		SquashTimeout:       squashTimeout,
	})
	if err != nil {
		return err
	}
	if err := drm.Init(); err != nil {
		drm.Exit()
		return err
	}
	defer drm.Exit()

	recorder := metrics.NewRecorder(d.bus)
	recorder.Start()
	defer recorder.Stop()

	metricsLogger := logging.GetLogger("metrics")
	collector := collectors.NewDisplayCollector(drm, metricsInterval, metricsLogger)
	if err := collector.Start(ctx); err != nil {
		metricsLogger.Warn("Failed to start display collector", "error", err)
	}
	defer collector.Stop()

	sseExporter := exporters.NewSSEExporter(d.bus)
	sseExporter.Start(ctx)
	defer sseExporter.Stop()

	watcher := d.watchRuntime(drm)
	if watcher != nil {
		defer watcher.Stop()
	}

	server := api.NewServer(&api.Options{
		AuthUsername:      d.opts.AuthUsername,
		AuthPassword:      d.opts.AuthPassword,
		Displays:          drm,
		EventBus:          d.bus,
		PrometheusHandler: exporters.HTTPHandler(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(d.opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})
	g.Go(func() error {
		return d.watchHotplug(gctx)
	})
	g.Go(func() error {
		return d.notify.Watchdog(gctx, func() bool { return len(drm.Status()) > 0 })
	})

	d.notify.Ready(fmt.Sprintf("%d displays", len(drm.Displays())))
	return g.Wait()
}

// watchRuntime applies runtime settings from the config file as it changes.
func (d *daemon) watchRuntime(drm *compositor.DRM) *config.Watcher[config.Runtime] {
	if d.opts.Config == "" {
		return nil
	}
	logger := logging.GetLogger("config")
	w := config.NewConfigWatcher(d.opts.Config, config.LoadRuntime, logger)
	w.OnReload(func(rt config.Runtime) {
		drm.SetUseOverlayPlanes(rt.UseOverlayPlanes)
		drm.SetUseFramebufferCache(rt.UseFramebufferCache)
		logging.SetLevels(rt.Logging)
		logger.Info("Runtime settings applied", "overlay_planes", rt.UseOverlayPlanes, "framebuffer_cache", rt.UseFramebufferCache)
	})
	if err := w.Start(); err != nil {
		logger.Warn("Config reload disabled", "path", d.opts.Config, "error", err)
		return nil
	}
	return w
}

// watchHotplug republishes display uevents on the bus until ctx is done.
// A missing uevent socket only disables hotplug reporting.
func (d *daemon) watchHotplug(ctx context.Context) error {
	logger := logging.GetLogger("hotplug")
	mon, err := hotplug.NewMonitor()
	if err != nil {
		logger.Warn("Hotplug monitoring disabled", "error", err)
		return nil
	}
	defer mon.Close()
	mon.AddSubsystemFilter(hotplug.SubsystemDRM)

	uevents := make(chan hotplug.Event, 16)
	runErr := make(chan error, 1)
	go func() { runErr <- mon.Run(ctx, uevents) }()

	for ev := range uevents {
		if !ev.IsDisplayHotplug() {
			continue
		}
		logger.Info("Display hotplug", "action", ev.Action, "devpath", ev.DevPath, "connector", ev.Connector)
		d.bus.Publish(events.HotplugEvent{
			Action:    ev.Action,
			DevPath:   ev.DevPath,
			Subsystem: ev.Subsystem,
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Hotplug monitor stopped", "error", err)
	}
	return nil
}
