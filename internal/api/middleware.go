package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// requestLogMiddleware logs every API call against its route pattern so
// requests for different displays group together. Calls on a single display
// carry its id. Polling reads log at debug, control changes at info.
func (s *Server) requestLogMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)

	method := ctx.Method()
	status := ctx.Status()
	route := ctx.URL().Path
	operation := ""
	if op := ctx.Operation(); op != nil {
		route = op.Path
		operation = op.OperationID
	}

	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("route", route),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	}
	if operation != "" {
		attrs = append(attrs, slog.String("operation", operation))
	}
	if id, err := strconv.Atoi(ctx.Param("display")); err == nil {
		attrs = append(attrs, slog.Int("display", id))
	}
	if status >= 400 {
		attrs = append(attrs, slog.String("remote_addr", ctx.RemoteAddr()))
	}

	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	case method == http.MethodGet, method == http.MethodHead, method == http.MethodOptions:
		level = slog.LevelDebug
	}
	s.logger.LogAttrs(ctx.Context(), level, "API request", attrs...)
}
