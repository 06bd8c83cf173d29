package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/hwcomposer/internal/api/models"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/logging"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// ToLogEntryEvent converts a buffered entry for the API and the event bus.
func ToLogEntryEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}

func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Get buffered log entries. Pass the last seen seq as since to poll for new ones.",
		Tags:        []string{"logs"},
		Errors:      []int{400, 401},
		Security:    withAuth(),
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		minLevel := 0
		if input.Level != "" {
			rank, ok := levelRank[strings.ToLower(input.Level)]
			if !ok {
				return nil, huma.Error400BadRequest("level must be debug, info, warn or error")
			}
			minLevel = rank
		}

		entries := []events.LogEntryEvent{}
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, e := range buffer.Since(input.Since) {
				if input.Module != "" && e.Module != input.Module {
					continue
				}
				if levelRank[e.Level] < minLevel {
					continue
				}
				entries = append(entries, ToLogEntryEvent(e))
			}
		}
		return &models.LogsResponse{Body: models.LogsData{Entries: entries, Count: len(entries)}}, nil
	})

	if s.eventBus == nil {
		return
	}
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends buffered logs first, then streams new ones.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before replaying so nothing falls between the two; the
		// seq of the replay drops duplicates.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		var last uint64
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.ReadAll() {
				if err := send.Data(ToLogEntryEvent(entry)); err != nil {
					return
				}
				last = entry.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				if e, ok := ev.(events.LogEntryEvent); ok && e.Seq <= last {
					continue
				}
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
