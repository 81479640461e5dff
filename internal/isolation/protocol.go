// Package isolation holds the pieces shared by every worker launcher: the one-shot
// request/outcome protocol spoken over a worker's stdin and stdout, the child side
// entry point, and a Handle that launchers complete when their worker exits.
package isolation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dontdude/classifyd/internal/domain"
)

// MaxOutcomeBytes bounds how much worker output is kept. An outcome is a single small JSON object.
const MaxOutcomeBytes = 64 * 1024

// ErrNoOutcome is returned when a worker exited without writing an outcome.
var ErrNoOutcome = errors.New("worker wrote no outcome")

// WriteRequest encodes the request sent to a worker.
func WriteRequest(w io.Writer, req domain.WorkRequest) error {
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// ReadRequest decodes the request a worker was started with.
func ReadRequest(r io.Reader) (domain.WorkRequest, error) {
	var req domain.WorkRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return domain.WorkRequest{}, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}

// WriteOutcome encodes the worker's single outcome.
func WriteOutcome(w io.Writer, out domain.Outcome) error {
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	return nil
}

// DecodeOutcome parses the raw output collected from a worker.
// Only the first JSON value counts; a worker writes at most one.
func DecodeOutcome(data []byte) (domain.Outcome, error) {
	var out domain.Outcome
	if len(data) == 0 {
		return out, ErrNoOutcome
	}
	if err := json.Unmarshal(firstLine(data), &out); err != nil {
		return domain.Outcome{}, fmt.Errorf("failed to decode outcome: %w", err)
	}
	return out, nil
}

func firstLine(data []byte) []byte {
	for i, b := range data {
		if b == '\n' {
			return data[:i]
		}
	}
	return data
}

// CappedBuffer keeps the first max bytes written to it and discards the rest,
// so a misbehaving worker cannot grow the supervisor's memory.
type CappedBuffer struct {
	buf []byte
	max int
}

// NewCappedBuffer returns a writer that retains at most MaxOutcomeBytes.
func NewCappedBuffer() *CappedBuffer {
	return &CappedBuffer{max: MaxOutcomeBytes}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

// Bytes returns the retained output.
func (b *CappedBuffer) Bytes() []byte {
	return b.buf
}
