package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	logBuffer = nil
	logCallback = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"compositor": "debug",
			"api":        "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"compositor", true, true, true},
		{"api", false, false, true},
		{"hotplug", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	before := GetLogger("compositor")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{Level: "info", Modules: map[string]string{"compositor": "debug"}})

	after := GetLogger("compositor")
	if before != after {
		t.Error("logger should be cached across Initialize")
	}
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("cached logger should follow the configured level")
	}
}

func TestSetLevels(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info"})
	logger := GetLogger("scene")

	SetLevels(Config{Level: "error", Modules: map[string]string{"scene": "debug"}})
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("scene should log debug after SetLevels")
	}
	if slog.Default().Enabled(context.Background(), slog.LevelWarn) {
		t.Error("default logger should be at error after SetLevels")
	}

	SetLevels(Config{Level: "bogus"})
	if !logger.Handler().Enabled(context.Background(), slog.LevelInfo) ||
		logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}

func TestBufferHandlerRecordsEntries(t *testing.T) {
	resetState()
	Initialize(Config{Level: "debug"})

	var got []LogEntry
	SetLogCallback(func(e LogEntry) { got = append(got, e) })

	logger := GetLogger("compositor").With("display", 1)
	logger.Warn("Commit failed", "error", errors.New("EINVAL"))

	entries := GetBuffer().ReadAll()
	if len(entries) != 1 {
		t.Fatalf("buffer holds %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Module != "compositor" || e.Level != "warn" || e.Message != "Commit failed" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attributes["error"] != "EINVAL" {
		t.Errorf("error attr = %v, want EINVAL", e.Attributes["error"])
	}
	if _, ok := e.Attributes["module"]; ok {
		t.Error("module should not be repeated as an attribute")
	}
	if len(got) != 1 || got[0].Seq != e.Seq {
		t.Errorf("callback got %+v, want entry %d", got, e.Seq)
	}
}

func TestRingBufferSince(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		rb.Write(LogEntry{Message: msg})
	}

	tests := []struct {
		since uint64
		want  string
	}{
		{0, "bcd"},
		{2, "cd"},
		{3, "d"},
		{4, ""},
	}
	for _, tt := range tests {
		var sb strings.Builder
		for _, e := range rb.Since(tt.since) {
			sb.WriteString(e.Message)
		}
		if sb.String() != tt.want {
			t.Errorf("Since(%d) = %q, want %q", tt.since, sb.String(), tt.want)
		}
	}
	if rb.Count() != 3 {
		t.Errorf("Count() = %d, want 3", rb.Count())
	}
}

type failingSink struct {
	slog.Handler
}

func (failingSink) Handle(context.Context, slog.Record) error { return errors.New("closed") }

func TestFanoutHandler(t *testing.T) {
	tests := []struct {
		name    string
		log     func(*slog.Logger)
		console int
		journal int
	}{
		{"debug reaches debug sink only", func(l *slog.Logger) { l.Debug("frame queued") }, 1, 0},
		{"info reaches both", func(l *slog.Logger) { l.Info("frame queued") }, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var console, journal bytes.Buffer
			h := NewFanoutHandler(
				Sink{Name: "stdout", Handler: slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelDebug})},
				Sink{Name: "journal", Handler: slog.NewTextHandler(&journal, &slog.HandlerOptions{Level: slog.LevelInfo})},
			)
			tt.log(slog.New(h).With("display", 1))

			if got := strings.Count(console.String(), "frame queued"); got != tt.console {
				t.Errorf("stdout got %d records: %s", got, console.String())
			}
			if got := strings.Count(journal.String(), "frame queued"); got != tt.journal {
				t.Errorf("journal got %d records: %s", got, journal.String())
			}
			if tt.console > 0 && !strings.Contains(console.String(), "display=1") {
				t.Errorf("attrs not carried to sink: %s", console.String())
			}
		})
	}

	t.Run("failing sink", func(t *testing.T) {
		var console bytes.Buffer
		h := NewFanoutHandler(
			Sink{Name: "journal", Handler: failingSink{slog.NewTextHandler(&bytes.Buffer{}, nil)}},
			Sink{Name: "stdout", Handler: slog.NewTextHandler(&console, nil)},
		)
		r := slog.NewRecord(time.Now(), slog.LevelWarn, "commit rejected", 0)
		err := h.Handle(context.Background(), r)
		if err == nil || !strings.Contains(err.Error(), "journal sink") {
			t.Errorf("Handle() error = %v, want journal sink failure", err)
		}
		if !strings.Contains(console.String(), "commit rejected") {
			t.Error("healthy sink missed the record")
		}
	})
}

func TestFormatLogLine(t *testing.T) {
	line := FormatLogLine(LogEntry{
		Level:      "info",
		Module:     "api",
		Message:    "Listening",
		Attributes: map[string]any{"port": 8090, "addr": "0.0.0.0"},
	})
	if !strings.HasSuffix(line, "[INFO] [api] Listening addr=0.0.0.0 port=8090") {
		t.Errorf("FormatLogLine() = %q", line)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			switch {
			case tt.isNil && got != nil:
				t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
			case !tt.isNil && got == nil:
				t.Errorf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
			case !tt.isNil && *got != tt.want:
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
			}
		})
	}
}
