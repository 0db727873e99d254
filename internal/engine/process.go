package engine

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a pollable handle to a launched agent subprocess.
// The runner's control loop never blocks on it: Exited is a non-blocking
// poll and Wait takes an explicit bound.
type Process interface {
	// Exited reports whether the process has exited and, if so, its exit code.
	Exited() (bool, int)
	// Terminate asks the process to stop (SIGTERM).
	Terminate() error
	// Kill force-stops the process (SIGKILL).
	Kill() error
	// Wait blocks until the process exits or the timeout elapses.
	Wait(timeout time.Duration) error
	// PID returns the OS process id.
	PID() int
}

// ErrWaitTimeout is returned by Wait when the process outlives the bound.
var ErrWaitTimeout = errors.New("process wait timed out")

// osProcess wraps an exec.Cmd with a reaper goroutine so the exit status
// can be polled without blocking.
type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func newOSProcess(cmd *exec.Cmd, closers ...*os.File) *osProcess {
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		for _, f := range closers {
			f.Close()
		}
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

// Exited reports whether the process has exited and its exit code.
func (p *osProcess) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

// Terminate sends SIGTERM.
func (p *osProcess) Terminate() error {
	if exited, _ := p.Exited(); exited {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (p *osProcess) Kill() error {
	if exited, _ := p.Exited(); exited {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until exit or timeout.
func (p *osProcess) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

// PID returns the OS process id.
func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Verify osProcess implements Process at compile time.
var _ Process = (*osProcess)(nil)
