//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

func openCard(*Options, *slog.Logger) (*output, error) {
	return nil, errors.New("DRM cards need Linux; use --device-virtual")
}
