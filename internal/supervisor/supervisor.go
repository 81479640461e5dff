// Package supervisor owns the lifecycle of a single request: it launches an isolated worker,
// waits for it without blocking other requests, applies timeout and crash handling, and builds
// the envelope returned to the client.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/dontdude/classifyd/internal/domain"
)

// Defaults.
const (
	DefaultHeartbeat   = 1 * time.Second
	DefaultTimeout     = 2 * time.Minute
	DefaultKillGrace   = 5 * time.Second
	DefaultFeedTimeout = 2 * time.Second
)

// Supervisor turns requests into supervised, isolated units of work.
// It keeps no per-request state between calls and is safe for concurrent use.
type Supervisor struct {
	launcher domain.Launcher

	// timeout bounds a worker's running time. Zero disables it.
	timeout time.Duration
	// heartbeat is how often a long running worker is logged.
	heartbeat time.Duration
	// killGrace bounds the wait for a killed worker to be reaped.
	killGrace time.Duration

	metrics     MetricsCollector
	feed        domain.ResultFeed
	feedTimeout time.Duration
	logger      *slog.Logger
}

// Option configures the Supervisor
type Option func(*Supervisor)

// WithTimeout sets the per-request worker timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.timeout = d
	}
}

// WithHeartbeat sets the interval of "still running" log lines.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Supervisor) {
		s.heartbeat = d
	}
}

// WithKillGrace sets how long to wait for a killed worker to exit.
func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killGrace = d
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Supervisor) {
		s.metrics = mc
	}
}

// WithFeed publishes a record of every reported request to feed.
func WithFeed(feed domain.ResultFeed) Option {
	return func(s *Supervisor) {
		s.feed = feed
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New returns a Supervisor launching workers with launcher.
func New(launcher domain.Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:    launcher,
		timeout:     DefaultTimeout,
		heartbeat:   DefaultHeartbeat,
		killGrace:   DefaultKillGrace,
		metrics:     NewNoopMetricsCollector(),
		feedTimeout: DefaultFeedTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run tracks one request through its lifecycle.
type run struct {
	req      domain.WorkRequest
	state    domain.State
	workerID string
	logger   *slog.Logger
	metrics  MetricsCollector
}

func (r *run) transition(to domain.State) {
	r.logger.Debug("Request state transition", "from", r.state, "to", to)
	r.metrics.StateTransition(r.state, to)
	r.state = to
}

// Supervise runs req in an isolated worker and returns exactly one envelope.
// Cancelling ctx kills the worker.
func (s *Supervisor) Supervise(ctx context.Context, req domain.WorkRequest) domain.Envelope {
	start := time.Now()
	r := &run{
		req:     req,
		state:   domain.StateIdle,
		logger:  s.logger.With("requestID", req.ID, "classifierID", req.ClassifierID),
		metrics: s.metrics,
	}

	r.transition(domain.StateLaunching)
	env := s.execute(ctx, r)

	outcome := r.state
	duration := time.Since(start)
	s.metrics.RequestFinished(outcome, duration)
	r.transition(domain.StateReported)

	r.logger.Info("Request reported",
		"workerID", r.workerID,
		"state", outcome,
		"status", env.Status,
		"duration", duration,
	)

	s.publish(domain.Record{
		RequestID:    req.ID,
		WorkerID:     r.workerID,
		ClassifierID: req.ClassifierID,
		Input:        req.Input,
		State:        outcome.String(),
		Envelope:     env,
		Duration:     duration,
		FinishedAt:   start.Add(duration).UTC(),
	})

	return env
}

func (s *Supervisor) execute(ctx context.Context, r *run) domain.Envelope {
	if ctx.Err() != nil {
		r.transition(domain.StateCanceled)
		return domain.Envelope{Status: domain.StatusCanceled, Result: domain.ResultCanceled}
	}

	h, err := s.launcher.Launch(ctx, r.req)
	if err != nil {
		if ctx.Err() != nil {
			r.transition(domain.StateCanceled)
			return domain.Envelope{Status: domain.StatusCanceled, Result: domain.ResultCanceled}
		}
		r.logger.Error("Failed to launch worker", "error", err)
		r.transition(domain.StateCrashed)
		return domain.Envelope{Status: domain.StatusUnknown, Result: domain.ResultUnknownError}
	}

	r.workerID = h.ID()
	r.logger = r.logger.With("workerID", r.workerID)
	s.metrics.WorkerStarted()
	defer s.metrics.WorkerExited()
	r.transition(domain.StateRunning)

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	started := time.Now()
	for {
		select {
		case <-h.Done():
			return s.complete(r, h)

		case <-heartbeat:
			r.logger.Debug("Worker still running", "elapsed", time.Since(started))

		case <-timeout:
			r.logger.Warn("Worker timed out, killing it", "timeout", s.timeout)
			s.kill(r, h)
			r.transition(domain.StateTimedOut)
			return domain.Envelope{Status: domain.StatusTimedOut, Result: domain.ResultTimedOut}

		case <-ctx.Done():
			r.logger.Warn("Request canceled, killing worker", "error", ctx.Err())
			s.kill(r, h)
			r.transition(domain.StateCanceled)
			return domain.Envelope{Status: domain.StatusCanceled, Result: domain.ResultCanceled}
		}
	}
}

// complete interprets a worker that exited on its own.
func (s *Supervisor) complete(r *run, h domain.WorkerHandle) domain.Envelope {
	code, _ := h.ExitCode()
	if code != domain.StatusOK {
		// A crashed worker gives no guarantee its channel was written, so it is not read.
		r.logger.Warn("Worker terminated abnormally", "exitCode", code)
		r.transition(domain.StateCrashed)
		return domain.Envelope{Status: code, Result: domain.ResultUnknownError}
	}

	out, err := h.Outcome()
	if err != nil {
		r.logger.Error("Worker exited cleanly without a usable outcome", "error", err)
		r.transition(domain.StateCrashed)
		return domain.Envelope{Status: domain.StatusUnknown, Result: domain.ResultUnknownError}
	}

	if !out.OK {
		r.transition(domain.StateFailed)
		return domain.Envelope{Status: domain.StatusOK, Result: out.Error}
	}

	r.transition(domain.StateSucceeded)
	return domain.Envelope{Status: domain.StatusOK, Result: strings.TrimRightFunc(out.Label, unicode.IsSpace)}
}

// kill stops the worker and waits a bounded time for it to be reaped.
func (s *Supervisor) kill(r *run, h domain.WorkerHandle) {
	if err := h.Kill(); err != nil {
		r.logger.Error("Failed to kill worker", "error", err)
	}

	select {
	case <-h.Done():
	case <-time.After(s.killGrace):
		r.logger.Error("Killed worker did not exit", "grace", s.killGrace)
	}
}

// publish reports the record to the feed without delaying the response.
func (s *Supervisor) publish(rec domain.Record) {
	if s.feed == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.feedTimeout)
		defer cancel()

		if err := s.feed.Publish(ctx, rec); err != nil {
			s.logger.Warn("Failed to publish result record", "requestID", rec.RequestID, "error", err)
		}
	}()
}
