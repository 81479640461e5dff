package domain

// Status values that are not worker exit codes.
// Exit codes occupy 0..255 and signals are reported as negative numbers,
// so the sentinels start above the exit code range.
const (
	// StatusOK means the worker exited cleanly. The engine may still have reported a domain error.
	StatusOK = 0
	// StatusUnknown means the worker terminated abnormally without a usable exit code or outcome.
	StatusUnknown = 256
	// StatusTimedOut means the worker was killed after exceeding the request timeout.
	StatusTimedOut = 257
	// StatusCanceled means the request was abandoned, usually because the client disconnected.
	StatusCanceled = 258
)

// Result descriptions used when no label or domain error is available.
const (
	ResultUnknownError = "Unknown Error"
	ResultTimedOut     = "Timed Out"
	ResultCanceled     = "Canceled"
)

// Envelope is the response sent to the client.
// Status reflects the health of the worker process, not the correctness of the prediction:
// a domain error from the engine is still reported with StatusOK.
type Envelope struct {
	Status int    `json:"status"`
	Result string `json:"result"`
}

// OK reports whether the worker process exited cleanly.
func (e Envelope) OK() bool {
	return e.Status == StatusOK
}

// State is a step in the lifecycle of a supervised request.
type State int

const (
	StateIdle State = iota
	StateLaunching
	StateRunning
	StateSucceeded
	StateFailed
	StateCrashed
	StateTimedOut
	StateCanceled
	StateReported
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLaunching:
		return "Launching"
	case StateRunning:
		return "Running"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	case StateCrashed:
		return "Crashed"
	case StateTimedOut:
		return "TimedOut"
	case StateCanceled:
		return "Canceled"
	case StateReported:
		return "Reported"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is one of the outcomes of a running worker.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCrashed, StateTimedOut, StateCanceled:
		return true
	default:
		return false
	}
}
