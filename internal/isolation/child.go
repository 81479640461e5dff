package isolation

import (
	"context"
	"io"

	"github.com/dontdude/classifyd/internal/domain"
)

// RunChild is the body of a worker process. It reads one request, runs the engine and
// writes exactly one outcome. A domain error from the engine is a successful run: the
// returned error is reserved for protocol and I/O failures, which the caller turns into
// a non-zero exit.
func RunChild(ctx context.Context, engine domain.Engine, r io.Reader, w io.Writer) error {
	req, err := ReadRequest(r)
	if err != nil {
		return err
	}
	return Predict(ctx, engine, req, w)
}

// Predict runs the engine for an already decoded request and writes the outcome.
func Predict(ctx context.Context, engine domain.Engine, req domain.WorkRequest, w io.Writer) error {
	label, err := engine.Predict(ctx, req.ClassifierID, req.Input)
	if err != nil {
		return WriteOutcome(w, domain.Outcome{Error: err.Error()})
	}
	return WriteOutcome(w, domain.Outcome{OK: true, Label: label})
}
