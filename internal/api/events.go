package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/hwcomposer/internal/events"
)

// registerSSERoutes registers the compositor event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of commits, failures, squashes, power changes, modesets, hotplug and per-display metrics",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"frame-committed": events.FrameCommittedEvent{},
		"commit-failed":   events.CommitFailedEvent{},
		"squash-fallback": events.SquashFallbackEvent{},
		"squash-all":      events.SquashAllEvent{},
		"dpms-changed":    events.DPMSChangedEvent{},
		"modeset":         events.ModesetEvent{},
		"hotplug":         events.HotplugEvent{},
		"display-metrics": events.DisplayMetricsEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Frame commits can arrive at display rate; a slow client drops them.
		eventCh := make(chan any, 64)
		unsubscribe := events.SubscribeDisplayEvents(s.eventBus, eventCh)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
