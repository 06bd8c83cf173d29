package main

import (
	"log/slog"

	"github.com/smazurov/hwcomposer/internal/buffer"
	"github.com/smazurov/hwcomposer/internal/fence"
	"github.com/smazurov/hwcomposer/internal/kms"
)

func openCard(opts *Options, logger *slog.Logger) (*output, error) {
	card, err := kms.OpenCard(opts.DevicePath, logger)
	if err != nil {
		return nil, err
	}
	dumb := buffer.NewDumbAllocator(card.DRM())

	timelines := fence.KernelFactory(opts.DeviceSync, "hwcd")
	if tl, tlErr := timelines(); tlErr != nil {
		logger.Warn("sw_sync unavailable, release fences are signaled in process", "path", opts.DeviceSync, "error", tlErr)
		timelines = fence.SoftFactory
	} else {
		tl.Close()
	}

	logger.Info("Opened DRM card", "path", opts.DevicePath, "displays", len(card.Displays()), "planes", len(card.Planes()))
	return &output{
		device:    card,
		allocator: dumb,
		importer:  dumb,
		timelines: timelines,
		close:     card.Close,
	}, nil
}
