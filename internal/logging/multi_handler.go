package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sink is a named destination records are fanned out to.
type Sink struct {
	Name    string
	Handler slog.Handler
}

// FanoutHandler sends each record to every sink whose level admits it. A
// sink that fails does not keep the record from the others.
type FanoutHandler struct {
	sinks []Sink
}

// NewFanoutHandler returns a handler writing to sinks in order.
func NewFanoutHandler(sinks ...Sink) *FanoutHandler {
	return &FanoutHandler{sinks: sinks}
}

// Enabled implements slog.Handler.
func (f *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range f.sinks {
		if s.Handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (f *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, s := range f.sinks {
		if !s.Handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := s.Handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// WithAttrs implements slog.Handler.
func (f *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

// WithGroup implements slog.Handler.
func (f *FanoutHandler) WithGroup(name string) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *FanoutHandler) derive(fn func(slog.Handler) slog.Handler) *FanoutHandler {
	sinks := make([]Sink, len(f.sinks))
	for i, s := range f.sinks {
		sinks[i] = Sink{Name: s.Name, Handler: fn(s.Handler)}
	}
	return &FanoutHandler{sinks: sinks}
}
