package jobs

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"harvest/internal/model"
)

type control int32

const (
	controlNone control = iota
	controlPause
	controlStop
)

// Handle is the caller's view of one live run. Control methods only set
// a flag and wake the loop; the loop owns the job.
type Handle struct {
	id     uuid.UUID
	ctrl   atomic.Int32
	signal chan struct{}
	done   chan struct{}

	mu  sync.RWMutex
	job model.Job
	err error
}

func newHandle(job *model.Job) *Handle {
	return &Handle{
		id:     job.ID,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		job:    job.Clone(),
	}
}

func (h *Handle) ID() uuid.UUID { return h.id }

// Pause asks the loop to pause at its next checkpoint.
func (h *Handle) Pause() {
	h.ctrl.CompareAndSwap(int32(controlNone), int32(controlPause))
	h.poke()
}

// Resume clears a pending pause. A requested stop is not undone.
func (h *Handle) Resume() {
	h.ctrl.CompareAndSwap(int32(controlPause), int32(controlNone))
	h.poke()
}

// Stop asks the loop to finish the job as stopped.
func (h *Handle) Stop() {
	h.ctrl.Store(int32(controlStop))
	h.poke()
}

// Snapshot returns a copy of the job as of the loop's last update.
func (h *Handle) Snapshot() model.Job {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.job.Clone()
}

// Done is closed when the run goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the error that ended the run, valid once Done is closed.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *Handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) control() control { return control(h.ctrl.Load()) }

func (h *Handle) poke() {
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

func (h *Handle) publish(job *model.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.job = job.Clone()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
