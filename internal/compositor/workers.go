package compositor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/smazurov/hwcomposer/internal/composition"
	"github.com/smazurov/hwcomposer/internal/worker"
)

type frameState struct {
	composition *composition.DisplayComposition
	status      error
}

// FrameWorker commits prepared frames in the order they were queued.
type FrameWorker struct {
	*worker.Worker
	display *Display
	logger  *slog.Logger
	queue   []frameState
}

func newFrameWorker(d *Display, logger *slog.Logger) *FrameWorker {
	fw := &FrameWorker{display: d, logger: logger}
	fw.Worker = worker.New("frame", logger, fw.routine)
	return fw
}

// QueueFrame hands comp to the worker. status is an error from preparation
// that ApplyFrame should report instead of committing.
func (fw *FrameWorker) QueueFrame(comp *composition.DisplayComposition, status error) {
	fw.Lock()
	fw.queue = append(fw.queue, frameState{composition: comp, status: status})
	fw.SignalLocked()
	fw.Unlock()
}

// Pending returns the number of frames not yet committed.
func (fw *FrameWorker) Pending() int {
	fw.Lock()
	defer fw.Unlock()
	return len(fw.queue)
}

func (fw *FrameWorker) next() (frameState, bool) {
	if len(fw.queue) == 0 {
		return frameState{}, false
	}
	f := fw.queue[0]
	fw.queue[0] = frameState{}
	fw.queue = fw.queue[1:]
	return f, true
}

func (fw *FrameWorker) routine() {
	fw.Lock()
	var err error
	if len(fw.queue) == 0 {
		err = fw.WaitForSignalOrExitLocked(worker.Forever)
	}
	frame, ok := fw.next()
	fw.Unlock()

	if errors.Is(err, worker.ErrExited) {
		if ok {
			frame.composition.Retire()
		}
		return
	}
	if err != nil {
		fw.logger.Error("Frame worker wait failed", "error", err)
	}
	if !ok {
		return
	}
	_ = fw.display.ApplyFrame(frame.composition, frame.status)
}

// Exit stops the worker and retires frames that were never committed.
func (fw *FrameWorker) Exit() {
	fw.Worker.Exit()
	fw.Lock()
	queue := fw.queue
	fw.queue = nil
	fw.Unlock()
	for _, f := range queue {
		f.composition.Retire()
	}
}

// CompositorWorker prepares queued compositions. When a display has been idle
// for the squash timeout it squashes the frame on screen once.
type CompositorWorker struct {
	*worker.Worker
	display       *Display
	logger        *slog.Logger
	squashTimeout time.Duration
	didSquashAll  bool
}

func newCompositorWorker(d *Display, logger *slog.Logger, squashTimeout time.Duration) *CompositorWorker {
	cw := &CompositorWorker{display: d, logger: logger, squashTimeout: squashTimeout}
	cw.Worker = worker.New("compositor", logger, cw.routine)
	return cw
}

func (cw *CompositorWorker) routine() {
	if !cw.display.HaveQueuedComposites() {
		timeout := cw.squashTimeout
		if cw.didSquashAll {
			// Nothing changed since the last squash; sleep until there is work.
			timeout = worker.Forever
		}
		cw.Lock()
		err := cw.WaitForSignalOrExitLocked(timeout)
		cw.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, worker.ErrExited):
			return
		case errors.Is(err, worker.ErrTimedOut):
			if err := cw.display.SquashAll(); err != nil {
				cw.logger.Error("Failed to squash all", "error", err)
			}
			cw.didSquashAll = true
			return
		default:
			cw.logger.Error("Compositor worker wait failed", "error", err)
			return
		}
	}

	if err := cw.display.Composite(); err != nil {
		cw.logger.Error("Failed to composite", "error", err)
	}
	cw.didSquashAll = false
}
