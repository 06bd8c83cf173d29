// Package models defines the request and response bodies of the hwcd API.
package models

import (
	"github.com/smazurov/hwcomposer/internal/compositor"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/version"
)

// Health check models
type HealthData struct {
	Status   string `json:"status" example:"ok" doc:"Service status"`
	Message  string `json:"message" example:"API is healthy" doc:"Status message"`
	Displays int    `json:"displays" example:"2" doc:"Displays driven by the compositor"`
}

type HealthResponse struct {
	Body HealthData
}

type VersionResponse struct {
	Body version.Info
}

// Display models
type DisplayListData struct {
	Displays []compositor.Status `json:"displays" doc:"Every display in index order"`
	Count    int                 `json:"count" example:"2" doc:"Number of displays"`
}

type DisplayListResponse struct {
	Body DisplayListData
}

type DisplayInput struct {
	Display int `path:"display" minimum:"0" example:"0" doc:"Display index"`
}

type DisplayResponse struct {
	Body compositor.Status
}

type DPMSRequest struct {
	Display int `path:"display" minimum:"0" example:"0" doc:"Display index"`
	Body    struct {
		Mode string `json:"mode" enum:"on,off" example:"off" doc:"Power mode"`
	}
}

type ModeRequest struct {
	Display int `path:"display" minimum:"0" example:"0" doc:"Display index"`
	Body    struct {
		Mode string `json:"mode" example:"1920x1080@60" doc:"One of the modes listed for the display"`
	}
}

type AcceptedData struct {
	Display int    `json:"display" example:"0" doc:"Display index"`
	Message string `json:"message" example:"dpms change queued" doc:"What was queued"`
}

type AcceptedResponse struct {
	Body AcceptedData
}

// Settings models
type SettingsData struct {
	UseOverlayPlanes    bool `json:"use_overlay_planes" doc:"Whether frames may use overlay planes"`
	UseFramebufferCache bool `json:"use_framebuffer_cache" doc:"Whether the pre-compositor caches imported buffers"`
}

type SettingsResponse struct {
	Body SettingsData
}

type SettingsRequest struct {
	Body struct {
		UseOverlayPlanes    *bool `json:"use_overlay_planes,omitempty" doc:"Allow overlay planes for new frames"`
		UseFramebufferCache *bool `json:"use_framebuffer_cache,omitempty" doc:"Cache imported buffers in the pre-compositor"`
	}
}

// Log models
type LogsRequest struct {
	Since  uint64 `query:"since" doc:"Only return entries with a higher sequence number"`
	Module string `query:"module" example:"compositor" doc:"Only return entries of this module"`
	Level  string `query:"level" example:"warn" doc:"Minimum level: debug, info, warn or error"`
}

type LogsData struct {
	Entries []events.LogEntryEvent `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int                    `json:"count" example:"20" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}
