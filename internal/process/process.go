// Package process manages backend subprocess lifecycles: spawning with
// pipes, graceful stop, and immediate kill.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Config holds configuration for starting a backend process.
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	// Env is the complete environment for the child. Unlike os/exec, a nil
	// Env here means an empty environment, not the parent's: callers build
	// an explicit allow-listed set.
	Env []string
}

// Handle owns one running subprocess and its pipes. The pipe fields are
// set once in Start and never mutated afterwards, so the accessors are
// safe to call concurrently with Stop and Kill.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Start spawns the process with stdin/stdout/stderr pipes.
func Start(ctx context.Context, config Config) (*Handle, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	cmd.Dir = config.WorkingDir
	cmd.Env = config.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s: %w", config.Command, err)
	}

	return &Handle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// Stdin returns the process's stdin pipe.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

// Stdout returns the process's stdout pipe.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Stderr returns the process's stderr pipe.
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

// Pid returns the OS process id, or -1 if the process never started.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its outcome. Safe to
// call from more than one goroutine; every caller sees the same result.
func (h *Handle) Wait() error {
	if h.cmd == nil {
		return nil
	}
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// Stop closes stdin, sends SIGTERM, and escalates to SIGKILL after
// timeout. Safe to call concurrently with pipe readers and with Wait.
func (h *Handle) Stop(timeout time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}

	if h.stdin != nil {
		_ = h.stdin.Close()
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- h.Wait()
	}()

	select {
	case <-time.After(timeout):
		_ = h.cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

// Kill immediately terminates the process with SIGKILL. Safe to call more
// than once and after the process has exited; pipes are left to their
// readers, which see EOF once the process dies.
func (h *Handle) Kill() error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// ExitStatus describes how a completed process ended.
type ExitStatus struct {
	Code     int
	Signal   string
	Signaled bool
}

// ExitStatusFromError classifies the error returned by Wait. A nil error
// maps to exit code 0.
func ExitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String(), Signaled: true}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1}
}
