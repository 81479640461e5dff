package isolation

import (
	"errors"
	"sync"

	"github.com/dontdude/classifyd/internal/domain"
)

// Handle errors.
var (
	ErrStillRunning    = errors.New("worker is still running")
	ErrOutcomeConsumed = errors.New("worker outcome already consumed")
)

// Handle implements domain.WorkerHandle for launchers that learn about their worker's
// exit asynchronously. The launcher calls Finish exactly once from its wait goroutine.
type Handle struct {
	id   string
	kill func() error

	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	exitCode int
	output   []byte
	consumed bool
}

// Check if Handle implements domain.WorkerHandle
var _ domain.WorkerHandle = (*Handle)(nil)

// NewHandle returns a handle for a running worker. kill must forcibly stop it.
func NewHandle(id string, kill func() error) *Handle {
	return &Handle{
		id:   id,
		kill: kill,
		done: make(chan struct{}),
	}
}

// ID implements domain.WorkerHandle.
func (h *Handle) ID() string {
	return h.id
}

// Done implements domain.WorkerHandle.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finish records the worker's exit code and collected output, then closes Done.
// Calls after the first are ignored.
func (h *Handle) Finish(exitCode int, output []byte) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitCode = exitCode
		h.output = output
		h.mu.Unlock()
		close(h.done)
	})
}

// ExitCode implements domain.WorkerHandle.
func (h *Handle) ExitCode() (int, bool) {
	select {
	case <-h.done:
	default:
		return 0, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, true
}

// Outcome implements domain.WorkerHandle. The output is released after the first read.
func (h *Handle) Outcome() (domain.Outcome, error) {
	select {
	case <-h.done:
	default:
		return domain.Outcome{}, ErrStillRunning
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consumed {
		return domain.Outcome{}, ErrOutcomeConsumed
	}
	h.consumed = true

	data := h.output
	h.output = nil
	return DecodeOutcome(data)
}

// Kill implements domain.WorkerHandle.
func (h *Handle) Kill() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.kill()
}
