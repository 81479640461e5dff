// Package process launches one OS process per request.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/isolation"
)

// Launcher starts the worker command as a child process for every request.
// The request is written to the child's stdin and its stdout is the one-shot outcome channel.
type Launcher struct {
	command   []string
	env       []string
	stderr    io.Writer
	waitDelay time.Duration
}

// DefaultWaitDelay bounds how long an exited worker's descendants may hold its stdout open.
const DefaultWaitDelay = time.Second

// Check if Launcher implements domain.Launcher
var _ domain.Launcher = (*Launcher)(nil)

// Option configures a Launcher.
type Option func(*Launcher)

// WithEnv appends variables to the environment inherited by workers.
func WithEnv(env ...string) Option {
	return func(l *Launcher) {
		l.env = append(l.env, env...)
	}
}

// WithStderr sets where worker diagnostics go. Defaults to the supervisor's stderr.
func WithStderr(w io.Writer) Option {
	return func(l *Launcher) {
		l.stderr = w
	}
}

// WithWaitDelay sets how long to wait for stdout to close after the worker exits.
func WithWaitDelay(d time.Duration) Option {
	return func(l *Launcher) {
		l.waitDelay = d
	}
}

// NewLauncher returns a launcher running command (binary followed by its arguments).
func NewLauncher(command []string, opts ...Option) (*Launcher, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("worker command is empty")
	}

	l := &Launcher{
		command:   command,
		stderr:    os.Stderr,
		waitDelay: DefaultWaitDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Launch implements domain.Launcher.
// The child is not bound to ctx: the supervisor owns its lifetime and kills it through the handle.
func (l *Launcher) Launch(ctx context.Context, req domain.WorkRequest) (domain.WorkerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stdin bytes.Buffer
	if err := isolation.WriteRequest(&stdin, req); err != nil {
		return nil, err
	}

	stdout := isolation.NewCappedBuffer()

	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdin = &stdin
	cmd.Stdout = stdout
	cmd.Stderr = l.stderr
	// The worker leads its own process group so a kill reaches everything it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	id := fmt.Sprintf("pid-%d", cmd.Process.Pid)
	slog.Debug("Worker process started", "workerID", id, "requestID", req.ID)

	pgid := cmd.Process.Pid
	h := isolation.NewHandle(id, func() error {
		return killGroup(pgid)
	})

	go func() {
		// Wait also drains stdout, so the output is complete once it returns.
		// Descendants still holding the pipe only delay it by waitDelay.
		err := cmd.Wait()
		code := ExitCode(cmd.ProcessState)
		if err != nil && code == 0 && !errors.Is(err, exec.ErrWaitDelay) {
			slog.Warn("Worker wait failed", "workerID", id, "error", err)
		}
		// Nothing a finished worker left behind may outlive the request.
		if err := killGroup(pgid); err != nil {
			slog.Warn("Failed to kill worker process group", "workerID", id, "error", err)
		}
		h.Finish(code, stdout.Bytes())
	}()

	return h, nil
}

// killGroup sends SIGKILL to the process group led by pgid.
// A group that no longer exists is not an error.
func killGroup(pgid int) error {
	err := syscall.Kill(-pgid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ExitCode maps a finished process to an envelope status.
// Processes killed by a signal report the negated signal number.
func ExitCode(state *os.ProcessState) int {
	if state == nil {
		return domain.StatusUnknown
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	return domain.StatusUnknown
}
