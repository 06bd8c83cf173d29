// Package worker runs a routine repeatedly on its own goroutine with a
// lock-protected wake-up signal and cooperative exit.
package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrExited is returned by waits interrupted by Exit.
	ErrExited = errors.New("worker exited")
	// ErrTimedOut is returned by waits that saw neither a signal nor Exit.
	ErrTimedOut = errors.New("worker wait timed out")
)

// Forever disables the wait timeout.
const Forever time.Duration = -1

// Worker calls its routine in a loop until Exit. The routine is expected to
// block in WaitForSignalOrExitLocked between units of work.
type Worker struct {
	name    string
	logger  *slog.Logger
	routine func()

	mu       sync.Mutex
	signal   chan struct{}
	stopChan chan struct{}
	exiting  bool
	started  bool
	wg       sync.WaitGroup
}

// New creates a stopped worker. routine may be set later with SetRoutine.
func New(name string, logger *slog.Logger, routine func()) *Worker {
	return &Worker{
		name:     name,
		logger:   logger,
		routine:  routine,
		signal:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// SetRoutine replaces the routine. It must be called before Start.
func (w *Worker) SetRoutine(routine func()) {
	w.routine = routine
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Start launches the worker goroutine. Starting twice is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.exiting {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
	w.logger.Debug("Worker started", "worker", w.name)
}

func (w *Worker) run() {
	defer w.wg.Done()
	for !w.Exiting() {
		w.routine()
	}
}

// Exit asks the routine to stop and waits for the goroutine to return.
// Work in progress is not interrupted.
func (w *Worker) Exit() {
	w.mu.Lock()
	if !w.exiting {
		w.exiting = true
		close(w.stopChan)
	}
	w.mu.Unlock()
	w.wg.Wait()
	w.logger.Debug("Worker exited", "worker", w.name)
}

// Exiting reports whether Exit was called.
func (w *Worker) Exiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exiting
}

func (w *Worker) Lock()   { w.mu.Lock() }
func (w *Worker) Unlock() { w.mu.Unlock() }

// Signal wakes the routine.
func (w *Worker) Signal() {
	w.mu.Lock()
	w.SignalLocked()
	w.mu.Unlock()
}

// SignalLocked wakes the routine. The caller holds the lock. Signals sent
// while the routine is busy are coalesced into one.
func (w *Worker) SignalLocked() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// WaitForSignalOrExitLocked releases the lock until a signal arrives, Exit is
// called or timeout passes, then reacquires it. A negative timeout waits
// forever.
func (w *Worker) WaitForSignalOrExitLocked(timeout time.Duration) error {
	if w.exiting {
		return ErrExited
	}
	select {
	case <-w.signal:
		return nil
	default:
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	w.mu.Unlock()
	var err error
	select {
	case <-w.signal:
	case <-w.stopChan:
		err = ErrExited
	case <-deadline:
		err = ErrTimedOut
	}
	w.mu.Lock()

	if w.exiting {
		return ErrExited
	}
	return err
}
