package runner

import (
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/process"
)

// killGrace is how long a terminated subprocess gets to exit on SIGTERM
// before SIGKILL.
const killGrace = 3 * time.Second

// Turn guards one subprocess invocation. Subprocess exit, stream-level
// error markers, spawn faults, and the timeout can all race to deliver a
// terminal event; Claim makes exactly one of them win. Kill suppresses
// terminal delivery entirely, since the caller that killed already knows
// the outcome.
type Turn struct {
	mu       sync.Mutex
	handle   *process.Handle
	timer    *time.Timer
	finished bool
	killed   bool
}

// NewTurn wraps a live subprocess handle.
func NewTurn(handle *process.Handle) *Turn {
	return &Turn{handle: handle}
}

// StartTimeout arms the turn's timer. When it fires, onTimeout runs only
// if the turn has not already finished or been killed; the subprocess is
// killed either way.
func (t *Turn) StartTimeout(d time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.killed {
		return
	}
	t.timer = time.AfterFunc(d, func() {
		if t.Claim() {
			onTimeout()
		}
		t.killProcess()
	})
}

// Claim attempts to take the one-shot terminal slot. It returns false if
// the turn already finished or was killed.
func (t *Turn) Claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.killed {
		return false
	}
	t.finished = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Kill terminates the subprocess, cancels the timer, and suppresses any
// later exit-driven terminal callback. Idempotent and safe concurrently
// with stream parsing.
func (t *Turn) Kill() {
	t.mu.Lock()
	if !t.finished {
		t.killed = true
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.killProcess()
}

// Killed reports whether Kill won against terminal delivery.
func (t *Turn) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// killProcess terminates the subprocess gracefully, SIGTERM first with a
// SIGKILL escalation. The teardown runs off the caller's goroutine:
// cancellation must not wait for it.
func (t *Turn) killProcess() {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h != nil {
		go func() {
			_ = h.Stop(killGrace)
		}()
	}
}
