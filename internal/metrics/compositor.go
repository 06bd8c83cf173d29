// Package metrics exposes compositor activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "hwcd"
	subsystem = "compositor"
)

var (
	framesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frames_committed_total",
		Help:      "Frames that reached the display",
	}, []string{"display"})

	commitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "commit_failures_total",
		Help:      "Frames dropped after a failed commit, by error code",
	}, []string{"display", "code"})

	squashFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "squash_fallbacks_total",
		Help:      "Frames squashed because the plane plan failed its test commit",
	}, []string{"display"})

	squashAlls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "squash_alls_total",
		Help:      "Idle squashes of the frame on screen",
	}, []string{"display"})

	commitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "commit_duration_seconds",
		Help:      "Time spent committing a frame",
		Buckets:   []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.033, 0.066, 0.1},
	}, []string{"display"})

	framePlanes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "frame_planes",
		Help:      "Planes of the last committed frame, by role",
	}, []string{"display", "role"})

	queuedCompositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queued_compositions",
		Help:      "Compositions waiting for the compositor worker",
	}, []string{"display"})

	displayActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "display_active",
		Help:      "1 while DPMS is on",
	}, []string{"display"})

	hwOverlays = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hw_overlays",
		Help:      "1 while the plane plan passes its test commit",
	}, []string{"display"})

	hotplugEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hotplug",
		Name:      "events_total",
		Help:      "DRM uevents seen, by action",
	}, []string{"action"})

	// Local cache for the SSE exporter and the API.
	displayCache   = make(map[int]*DisplayMetrics)
	displayCacheMu sync.RWMutex
)

// DisplayMetrics holds running totals for one display.
type DisplayMetrics struct {
	FramesCommitted uint64
	CommitFailures  uint64
	SquashFallbacks uint64
	SquashAlls      uint64
	LastCommitMs    float64
}

func label(display int) string { return strconv.Itoa(display) }

// RecordFrameCommitted counts a committed frame and its plane usage.
func RecordFrameCommitted(display int, durationMs float64, layerPlanes int, squashed bool) {
	l := label(display)
	framesCommitted.WithLabelValues(l).Inc()
	commitDuration.WithLabelValues(l).Observe(durationMs / 1000)
	framePlanes.WithLabelValues(l, "layer").Set(float64(layerPlanes))
	squashedPlanes := 0.0
	if squashed {
		squashedPlanes = 1
	}
	framePlanes.WithLabelValues(l, "precomp_only").Set(squashedPlanes)
	updateCache(display, func(m *DisplayMetrics) {
		m.FramesCommitted++
		m.LastCommitMs = durationMs
	})
}

// RecordCommitFailure counts a frame that never reached the display.
func RecordCommitFailure(display int, code string) {
	commitFailures.WithLabelValues(label(display), code).Inc()
	updateCache(display, func(m *DisplayMetrics) { m.CommitFailures++ })
}

// RecordSquashFallback counts a frame squashed after a rejected plan.
func RecordSquashFallback(display int) {
	squashFallbacks.WithLabelValues(label(display)).Inc()
	hwOverlays.WithLabelValues(label(display)).Set(0)
	updateCache(display, func(m *DisplayMetrics) { m.SquashFallbacks++ })
}

// RecordSquashAll counts an idle squash.
func RecordSquashAll(display int) {
	squashAlls.WithLabelValues(label(display)).Inc()
	updateCache(display, func(m *DisplayMetrics) { m.SquashAlls++ })
}

// SetDisplayState sets the sampled gauges of a display.
func SetDisplayState(display int, active, overlays bool, queued int) {
	l := label(display)
	displayActive.WithLabelValues(l).Set(boolFloat(active))
	hwOverlays.WithLabelValues(l).Set(boolFloat(overlays))
	queuedCompositions.WithLabelValues(l).Set(float64(queued))
}

// SetDisplayActive sets the DPMS gauge of a display.
func SetDisplayActive(display int, active bool) {
	displayActive.WithLabelValues(label(display)).Set(boolFloat(active))
}

// RecordHotplug counts a DRM uevent.
func RecordHotplug(action string) {
	hotplugEvents.WithLabelValues(action).Inc()
}

// DeleteDisplayMetrics removes every series of a display.
func DeleteDisplayMetrics(display int) {
	l := prometheus.Labels{"display": label(display)}
	framesCommitted.DeletePartialMatch(l)
	commitFailures.DeletePartialMatch(l)
	squashFallbacks.DeletePartialMatch(l)
	squashAlls.DeletePartialMatch(l)
	commitDuration.DeletePartialMatch(l)
	framePlanes.DeletePartialMatch(l)
	queuedCompositions.DeletePartialMatch(l)
	displayActive.DeletePartialMatch(l)
	hwOverlays.DeletePartialMatch(l)

	displayCacheMu.Lock()
	delete(displayCache, display)
	displayCacheMu.Unlock()
}

// GetDisplayMetrics returns a copy of the totals of a display, nil if it
// has none.
func GetDisplayMetrics(display int) *DisplayMetrics {
	displayCacheMu.RLock()
	defer displayCacheMu.RUnlock()
	if m, ok := displayCache[display]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllDisplayMetrics returns copies of the totals of every display.
func GetAllDisplayMetrics() map[int]*DisplayMetrics {
	displayCacheMu.RLock()
	defer displayCacheMu.RUnlock()
	result := make(map[int]*DisplayMetrics, len(displayCache))
	for id, m := range displayCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(display int, update func(*DisplayMetrics)) {
	displayCacheMu.Lock()
	defer displayCacheMu.Unlock()
	m, ok := displayCache[display]
	if !ok {
		m = &DisplayMetrics{}
		displayCache[display] = m
	}
	update(m)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
