package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process start/stop failures degrade availability but never crash the
// orchestrator; callers surface them and carry on.
var (
	ErrProcessStart = errors.New("backing process start failed")
	ErrProcessStop  = errors.New("backing process stop failed")
)

// Controller manages the backing service process. The scheduler is the
// only caller; it serializes Start and Stop itself.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
}

// ExecController runs the backing service as a child process. Stop sends
// SIGTERM and escalates to SIGKILL when the process does not exit within
// the grace period.
type ExecController struct {
	argv      []string
	stopGrace time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error // receives the Wait result once
}

// NewExecController builds a controller for the given argv.
func NewExecController(argv []string) *ExecController {
	return &ExecController{argv: argv, stopGrace: 5 * time.Second}
}

// Start launches the process. Starting while already running is an error;
// the scheduler's serialization makes that a bug, not a race.
func (c *ExecController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("%w: already running", ErrProcessStart)
	}
	if len(c.argv) == 0 {
		return fmt.Errorf("%w: no command configured", ErrProcessStart)
	}

	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessStart, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	c.cmd = cmd
	c.done = done
	return nil
}

// Stop terminates the process and waits for it to exit. Stopping an
// already-stopped process is a no-op.
func (c *ExecController) Stop(ctx context.Context) error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.cmd, c.done = nil, nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; drain the wait result.
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(c.stopGrace):
		_ = cmd.Process.Kill()
		<-done
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("%w: %v", ErrProcessStop, ctx.Err())
	}
}

// Running reports whether the process is alive.
func (c *ExecController) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.done:
		// Exited on its own; clear so the next Start succeeds.
		c.cmd, c.done = nil, nil
		return false
	default:
		return true
	}
}
