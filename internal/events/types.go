package events

// Event type constants for kelindar/event.
const (
	TypeFrameCommitted uint32 = iota + 1
	TypeCommitFailed
	TypeSquashFallback
	TypeSquashAll
	TypeDPMSChanged
	TypeModeset
	TypeHotplug
	TypeLogEntry
	TypeDisplayMetrics
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FrameCommittedEvent is published after a frame reached the display.
type FrameCommittedEvent struct {
	Display        int     `json:"display" example:"0" doc:"Display index"`
	FrameNo        uint64  `json:"frame_no" example:"1200" doc:"Frame sequence number"`
	LayerPlanes    int     `json:"layer_planes" example:"3" doc:"Layers scanned out on dedicated planes"`
	PrecompRegions int     `json:"precomp_regions" example:"2" doc:"Regions blended into the precomposition buffer"`
	SquashRegions  int     `json:"squash_regions" example:"0" doc:"Regions rendered into the squash buffer"`
	Squashed       bool    `json:"squashed" example:"false" doc:"Whether the whole frame was scanned out from one precomposition buffer"`
	DurationMs     float64 `json:"duration_ms" example:"1.8" doc:"Time spent preparing and committing"`
	Timestamp      string  `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Commit timestamp"`
}

// Type returns the event type identifier for FrameCommittedEvent.
func (e FrameCommittedEvent) Type() uint32 { return TypeFrameCommitted }

// CommitFailedEvent is published when a frame could not be shown.
type CommitFailedEvent struct {
	Display   int    `json:"display" example:"0" doc:"Display index"`
	FrameNo   uint64 `json:"frame_no" example:"1200" doc:"Frame sequence number"`
	Code      string `json:"code" example:"KERNEL_REJECTION" doc:"Error classification"`
	Error     string `json:"error" doc:"Error description"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Failure timestamp"`
}

// Type returns the event type identifier for CommitFailedEvent.
func (e CommitFailedEvent) Type() uint32 { return TypeCommitFailed }

// SquashFallbackEvent is published when a plane plan failed validation and
// the frame was squashed into a single buffer instead.
type SquashFallbackEvent struct {
	Display   int    `json:"display" example:"0" doc:"Display index"`
	FrameNo   uint64 `json:"frame_no" example:"1200" doc:"Frame sequence number"`
	Reason    string `json:"reason" doc:"Why the plan was rejected"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SquashFallbackEvent.
func (e SquashFallbackEvent) Type() uint32 { return TypeSquashFallback }

// SquashAllEvent is published when an idle display was squashed to free
// its planes.
type SquashAllEvent struct {
	Display   int    `json:"display" example:"0" doc:"Display index"`
	Planes    int    `json:"planes" example:"4" doc:"Planes in use before squashing"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SquashAllEvent.
func (e SquashAllEvent) Type() uint32 { return TypeSquashAll }

// DPMSChangedEvent is published when a display was turned on or off.
type DPMSChangedEvent struct {
	Display   int    `json:"display" example:"0" doc:"Display index"`
	Mode      string `json:"mode" example:"on" doc:"New power mode: on or off"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DPMSChangedEvent.
func (e DPMSChangedEvent) Type() uint32 { return TypeDPMSChanged }

// ModesetEvent is published after a new display mode took effect.
type ModesetEvent struct {
	Display   int    `json:"display" example:"0" doc:"Display index"`
	Mode      string `json:"mode" example:"1920x1080@60" doc:"Active mode"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ModesetEvent.
func (e ModesetEvent) Type() uint32 { return TypeModeset }

// HotplugEvent represents a kernel uevent for a display device.
type HotplugEvent struct {
	Action    string `json:"action" example:"change" doc:"Action type: add, remove, change"`
	DevPath   string `json:"devpath" example:"/devices/platform/display-subsystem/drm/card0" doc:"Kernel device path"`
	Subsystem string `json:"subsystem" example:"drm" doc:"Kernel subsystem"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for HotplugEvent.
func (e HotplugEvent) Type() uint32 { return TypeHotplug }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"compositor" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// DisplayMetricsEvent is a periodic summary of one display for dashboards.
type DisplayMetricsEvent struct {
	Display         int     `json:"display" example:"0" doc:"Display index"`
	FPS             float64 `json:"fps" example:"59.9" doc:"Frames committed per second over the last interval"`
	FramesCommitted uint64  `json:"frames_committed" example:"1200" doc:"Frames that reached the display"`
	CommitFailures  uint64  `json:"commit_failures" example:"0" doc:"Frames dropped after a failed commit"`
	SquashFallbacks uint64  `json:"squash_fallbacks" example:"3" doc:"Frames squashed after the plane plan was rejected"`
	LastCommitMs    float64 `json:"last_commit_ms" example:"1.8" doc:"Duration of the most recent commit"`
	Timestamp       string  `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Sample timestamp"`
}

// Type returns the event type identifier for DisplayMetricsEvent.
func (e DisplayMetricsEvent) Type() uint32 { return TypeDisplayMetrics }
