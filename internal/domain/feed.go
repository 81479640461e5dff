package domain

import (
	"context"
	"time"
)

// Record is what the supervisor reports about a finished request.
type Record struct {
	RequestID    string        `json:"request_id"`
	WorkerID     string        `json:"worker_id,omitempty"`
	ClassifierID string        `json:"classifier_id"`
	Input        string        `json:"input"`
	State        string        `json:"state"`
	Envelope     Envelope      `json:"envelope"`
	Duration     time.Duration `json:"duration"`
	FinishedAt   time.Time     `json:"finished_at"`

	// StreamID is the broker-assigned id, only set on records read back from the feed.
	StreamID string `json:"-"`
}

// ResultFeed defines the contract for publishing finished requests to observers.
// It decouples the supervisor from the underlying broker (Redis, etc.).
type ResultFeed interface {
	// Publish stores the record and broadcasts it to live subscribers.
	Publish(ctx context.Context, rec Record) error

	// Subscribe returns a channel that streams records as they are published.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan Record, error)

	// Recent returns up to n stored records, newest first.
	Recent(ctx context.Context, n int64) ([]Record, error)
}
