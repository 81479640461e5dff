package domain

import "context"

// Engine is the prediction collaborator. It maps a classifier and an input item to a label.
// Implementations are synchronous and may be slow, memory hungry or unstable, which is why
// they only ever run inside an isolated worker.
type Engine interface {
	// Predict returns the label for input, or an error describing why no label could be produced.
	Predict(ctx context.Context, classifierID string, input string) (string, error)
}

// WorkRequest is a single item submitted by a client.
type WorkRequest struct {
	ID           string `json:"id"`
	ClassifierID string `json:"classifier_id"`
	Input        string `json:"input"`
}

// Outcome is the single value a worker reports back through its one-shot channel.
type Outcome struct {
	OK    bool   `json:"ok"`
	Label string `json:"label,omitempty"`
	Error string `json:"error,omitempty"`
}

// WorkerHandle represents one isolated execution unit.
// A handle belongs to exactly one supervisor call and is never shared between requests.
type WorkerHandle interface {
	// ID identifies the worker in logs.
	ID() string

	// Done is closed once the worker has terminated and its exit status is known.
	Done() <-chan struct{}

	// ExitCode returns the worker's exit code. exited is false while the worker is still running.
	ExitCode() (code int, exited bool)

	// Outcome returns the value written by the worker. It may be read exactly once,
	// and only after Done is closed.
	Outcome() (Outcome, error)

	// Kill forcibly terminates the worker. Killing an exited worker is a no-op.
	Kill() error
}

// Launcher starts isolated workers.
// Implementations handle the low-level lifecycle (process, container) but never interpret the outcome.
type Launcher interface {
	// Launch starts a worker that runs the prediction for req and returns its handle.
	Launch(ctx context.Context, req WorkRequest) (WorkerHandle, error)
}

// Job represents a request waiting for a supervisor.
// It carries the request payload along with a channel to report the envelope.
type Job struct {
	Request WorkRequest

	// Ctx is cancelled when the client goes away.
	Ctx context.Context

	// ResultCh is where the pool sends the envelope.
	// It is a send only channel (chan<-) to ensure the pool cannot read from it.
	ResultCh chan<- Envelope
}
