package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dontdude/classifyd/internal/domain"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("worker pool is closed")

// Supervisor runs one request to completion and reports its envelope.
type Supervisor interface {
	Supervise(ctx context.Context, req domain.WorkRequest) domain.Envelope
}

// Pool implements a fixed-size worker pool pattern.
// It throttles how many isolated workers (processes or containers) run at once.
type Pool struct {
	// workerCount determines how many requests are supervised concurrently.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	// mu guards closed against concurrent Submit and Stop.
	mu     sync.RWMutex
	closed bool

	supervisor Supervisor
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, supervisor Supervisor) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:    make(chan domain.Job, concurrency),
		supervisor: supervisor,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current job and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasksCh)
	p.mu.Unlock()

	slog.Info("Stopping worker pool, waiting for jobs to drain...")
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit queues req and waits for its envelope.
// It blocks while the pool is saturated; if ctx is done first the request is abandoned.
func (p *Pool) Submit(ctx context.Context, req domain.WorkRequest) (domain.Envelope, error) {
	resultCh := make(chan domain.Envelope, 1)
	job := domain.Job{
		Request:  req,
		Ctx:      ctx,
		ResultCh: resultCh,
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return domain.Envelope{}, ErrPoolClosed
	}
	select {
	case p.tasksCh <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return domain.Envelope{}, ctx.Err()
	}

	// The supervisor honours ctx, so a queued job always reports.
	return <-resultCh, nil
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Debug("Worker started", "workerSlot", id)

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		slog.Debug("Processing job", "workerSlot", id, "requestID", job.Request.ID)

		job.ResultCh <- p.supervisor.Supervise(job.Ctx, job.Request)
	}

	slog.Debug("Worker stopped", "workerSlot", id)
}
