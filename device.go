package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/kms"
)

// output is the device the compositor drives together with the buffer and
// fence plumbing that fits it.
type output struct {
	device    kms.Device
	allocator buffer.Allocator
	importer  buffer.Importer
	timelines fence.TimelineFactory
	close     func() error
}

func openOutput(opts *Options, logger *slog.Logger) (*output, error) {
	if opts.DeviceVirtual == "" {
		return openCard(opts, logger)
	}
	cfg, err := parseVirtualDisplays(opts.DeviceVirtual)
	if err != nil {
		return nil, err
	}
	mem := buffer.NewMemoryAllocator()
	logger.Info("Using virtual displays", "displays", len(cfg.Displays))
	return &output{
		device:    kms.NewVirtualDevice(cfg),
		allocator: mem,
		importer:  mem,
		timelines: fence.SoftFactory,
		close:     func() error { return nil },
	}, nil
}

// parseVirtualDisplays parses a comma separated list of WxH[@R][+N]
// displays, N being the number of overlay planes.
func parseVirtualDisplays(s string) (kms.VirtualConfig, error) {
	var cfg kms.VirtualConfig
	for spec := range strings.SplitSeq(s, ",") {
		spec = strings.TrimSpace(spec)
		var d kms.VirtualDisplay

		rest, overlays, ok := strings.Cut(spec, "+")
		if ok {
			n, err := strconv.Atoi(overlays)
			if err != nil || n < 0 {
				return cfg, fmt.Errorf("virtual display %q: bad overlay count", spec)
			}
			d.OverlayPlanes = n
		}
		rest, refresh, ok := strings.Cut(rest, "@")
		if ok {
			n, err := strconv.Atoi(refresh)
			if err != nil || n <= 0 {
				return cfg, fmt.Errorf("virtual display %q: bad refresh rate", spec)
			}
			d.Refresh = n
		}
		w, h, ok := strings.Cut(rest, "x")
		if !ok {
			return cfg, fmt.Errorf("virtual display %q: want WxH", spec)
		}
		var err error
		if d.Width, err = strconv.Atoi(w); err != nil || d.Width <= 0 {
			return cfg, fmt.Errorf("virtual display %q: bad width", spec)
		}
		if d.Height, err = strconv.Atoi(h); err != nil || d.Height <= 0 {
			return cfg, fmt.Errorf("virtual display %q: bad height", spec)
		}
		d.Rotation = true
		d.Alpha = true
		cfg.Displays = append(cfg.Displays, d)
	}
	return cfg, nil
}
