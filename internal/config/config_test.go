package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type testOptions struct {
	Config string

	Device        string        `toml:"kms.device" env:"KMS_DEVICE"`
	Overlays      bool          `toml:"compositor.use_overlay_planes" env:"COMPOSITOR_USE_OVERLAY_PLANES"`
	QueueDepth    int           `toml:"compositor.queue_depth" env:"COMPOSITOR_QUEUE_DEPTH"`
	SquashTimeout time.Duration `toml:"compositor.squash_timeout" env:"COMPOSITOR_SQUASH_TIMEOUT"`
	Modules       []string      `toml:"logging.debug_modules" env:"LOGGING_DEBUG_MODULES"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hwcd.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeConfig(t, `
[kms]
device = "/dev/dri/card1"

[compositor]
use_overlay_planes = true
queue_depth = 3
squash_timeout = "750ms"

[logging]
debug_modules = ["compositor", "kms"]
`)

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := testOptions{
		Config:        path,
		Device:        "/dev/dri/card1",
		Overlays:      true,
		QueueDepth:    3,
		SquashTimeout: 750 * time.Millisecond,
		Modules:       []string{"compositor", "kms"},
	}
	if !reflect.DeepEqual(*opts, want) {
		t.Errorf("got %+v, want %+v", *opts, want)
	}
}

func TestLoadConfigDurationMilliseconds(t *testing.T) {
	path := writeConfig(t, "[compositor]\nsquash_timeout = 250\n")
	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatal(err)
	}
	if opts.SquashTimeout != 250*time.Millisecond {
		t.Errorf("SquashTimeout = %v, want 250ms", opts.SquashTimeout)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
[kms]
device = "/dev/dri/card0"

[compositor]
use_overlay_planes = true
queue_depth = 2
`)
	t.Setenv("HWC_KMS_DEVICE", "/dev/dri/card2")
	t.Setenv("HWC_COMPOSITOR_USE_OVERLAY_PLANES", "false")
	t.Setenv("HWC_COMPOSITOR_QUEUE_DEPTH", "4")
	t.Setenv("HWC_LOGGING_DEBUG_MODULES", "api, hotplug")

	cmd := &cobra.Command{Use: "hwcd"}
	cmd.Flags().Int("queue-depth", 0, "")
	if err := cmd.Flags().Set("queue-depth", "5"); err != nil {
		t.Fatal(err)
	}

	opts := &testOptions{Config: path, QueueDepth: 5}
	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatal(err)
	}

	if opts.Device != "/dev/dri/card2" {
		t.Errorf("Device = %q, env should override file", opts.Device)
	}
	if opts.Overlays {
		t.Error("Overlays should be false from env")
	}
	if opts.QueueDepth != 5 {
		t.Errorf("QueueDepth = %d, flag should win", opts.QueueDepth)
	}
	if !reflect.DeepEqual(opts.Modules, []string{"api", "hotplug"}) {
		t.Errorf("Modules = %v", opts.Modules)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{"invalid toml", "invalid [[[", nil},
		{"bad duration", "[compositor]\nsquash_timeout = \"soon\"\n", nil},
		{"bad env int", "", map[string]string{"HWC_COMPOSITOR_QUEUE_DEPTH": "two"}},
		{"bad env bool", "", map[string]string{"HWC_COMPOSITOR_USE_OVERLAY_PLANES": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			opts := &testOptions{Config: writeConfig(t, tt.content)}
			if err := LoadConfig(opts, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := &testOptions{Config: filepath.Join(t.TempDir(), "missing.toml"), Device: "/dev/dri/card0"}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if opts.Device != "/dev/dri/card0" {
		t.Errorf("defaults should be kept, got %q", opts.Device)
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"compositor": map[string]any{"use_overlay_planes": true},
		"api":        "flat",
	}

	tests := []struct {
		path string
		want any
	}{
		{"compositor.use_overlay_planes", true},
		{"compositor.missing", nil},
		{"api", "flat"},
		{"api.port", nil},
		{"missing.value", nil},
	}
	for _, tt := range tests {
		if got := getNestedValue(data, tt.path); got != tt.want {
			t.Errorf("getNestedValue(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Port":                       "port",
		"LoggingLevel":               "logging-level",
		"CompositorUseOverlayPlanes": "compositor-use-overlay-planes",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadLoggingModuleLevels(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "warn"
format = "json"
api = "error"

[logging.modules]
compositor = "debug"
`)

	cfg := LoadLoggingConfig(path)
	if cfg.Level != "warn" || cfg.Format != "json" {
		t.Errorf("got level=%q format=%q", cfg.Level, cfg.Format)
	}
	want := map[string]string{"api": "error", "compositor": "debug"}
	if !reflect.DeepEqual(cfg.Modules, want) {
		t.Errorf("Modules = %v, want %v", cfg.Modules, want)
	}

	if got := LoadLoggingConfig(""); got.Level != "info" || got.Format != "text" {
		t.Errorf("defaults = %+v", got)
	}
}

func TestLoadRuntime(t *testing.T) {
	path := writeConfig(t, `
[compositor]
use_overlay_planes = false

[logging]
level = "debug"
`)

	cfg, err := LoadRuntime(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UseOverlayPlanes {
		t.Error("UseOverlayPlanes should be false")
	}
	if !cfg.UseFramebufferCache {
		t.Error("UseFramebufferCache should default to true")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}

	if _, err := LoadRuntime(writeConfig(t, "[compositor\n")); err == nil {
		t.Error("malformed file should fail")
	}
}
