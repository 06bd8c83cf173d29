package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/hwcomposer/internal/logging"
)

// Runtime holds the settings that can change while hwcd is running.
type Runtime struct {
	UseOverlayPlanes    bool
	UseFramebufferCache bool
	Logging             logging.Config
}

// DefaultRuntime returns the settings used when the file omits them.
func DefaultRuntime() Runtime {
	return Runtime{
		UseOverlayPlanes:    true,
		UseFramebufferCache: true,
		Logging: logging.Config{
			Level:   "info",
			Format:  "text",
			Modules: make(map[string]string),
		},
	}
}

// LoadRuntime reads the runtime settings from the config file at path. It
// fails on unreadable or malformed files so a half-written file never
// reaches reload handlers.
func LoadRuntime(path string) (Runtime, error) {
	cfg := DefaultRuntime()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read runtime config: %w", err)
	}

	var raw struct {
		Compositor struct {
			UseOverlayPlanes    *bool `toml:"use_overlay_planes"`
			UseFramebufferCache *bool `toml:"use_framebuffer_cache"`
		} `toml:"compositor"`
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse runtime config: %w", err)
	}

	if raw.Compositor.UseOverlayPlanes != nil {
		cfg.UseOverlayPlanes = *raw.Compositor.UseOverlayPlanes
	}
	if raw.Compositor.UseFramebufferCache != nil {
		cfg.UseFramebufferCache = *raw.Compositor.UseFramebufferCache
	}
	applyLogging(&cfg.Logging, raw.Logging)
	return cfg, nil
}
