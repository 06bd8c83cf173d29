package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

const defaultBufferSize = 1000

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	isInitialized   bool
	mutex           sync.RWMutex
	logBuffer       *RingBuffer
	logCallback     LogCallback
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// Initialize sets up the logging system. Loggers handed out before
// Initialize are rebuilt so they pick up the configured format.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig = config
	isInitialized = true
	logBuffer = NewRingBuffer(defaultBufferSize)

	applyLevelsLocked(config)
	for module, levelVar := range moduleLevelVars {
		*moduleLoggers[module] = *slog.New(createHandler(config.Format, levelVar)).With("module", module)
	}
	slog.SetDefault(slog.New(createHandler(config.Format, globalLevelVar)))
}

// SetLevels changes the global and per-module levels of every logger
// without touching handlers or the ring buffer.
func SetLevels(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	globalConfig.Level = config.Level
	globalConfig.Modules = config.Modules
	applyLevelsLocked(config)
}

func applyLevelsLocked(config Config) {
	globalLevelVar.Set(levelFor(config, ""))
	for module, levelVar := range moduleLevelVars {
		levelVar.Set(levelFor(config, module))
	}
}

// levelFor returns the level of module, falling back to the global level
// and then to info.
func levelFor(config Config, module string) slog.Level {
	level := slog.LevelInfo
	if parsed := parseLevel(config.Level); parsed != nil {
		level = *parsed
	}
	if s, ok := config.Modules[module]; ok && module != "" {
		if parsed := parseLevel(s); parsed != nil {
			level = *parsed
		}
	}
	return level
}

// GetBuffer returns the log ring buffer, nil before Initialize.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback sets a callback invoked for every buffered entry.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

// GetLogger returns the logger of module, creating it if needed. The
// returned pointer stays valid across Initialize and SetLevels.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()
	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	levelVar := &slog.LevelVar{}
	format := "text"
	if isInitialized {
		levelVar.Set(levelFor(globalConfig, module))
		format = globalConfig.Format
	}

	logger := slog.New(createHandler(format, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// createHandler fans records out to stdout, the journal when available and
// the ring buffer.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	var sinks []Sink
	if isStdoutAvailable() {
		sinks = append(sinks, Sink{Name: "stdout", Handler: stdoutHandler})
	}
	if IsJournalAvailable() {
		sinks = append(sinks, Sink{Name: "journal", Handler: NewJournalHandler(level)})
	}
	sinks = append(sinks, Sink{Name: "buffer", Handler: NewBufferHandler(level)})

	if len(sinks) == 1 {
		return sinks[0].Handler
	}
	return NewFanoutHandler(sinks...)
}

// isStdoutAvailable checks if stdout is connected to a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	// /dev/null is a device, not a char device
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
