// Package procctl implements the Managed Process of spec §4.5: one
// supervised child, with create/break/terminate/exit-code operations and a
// Handle suitable for registration with internal/multiplex. Adapted from
// the teacher's internal/infrastructure/processmgr.process (pipe setup,
// Setpgid/Pdeathsig, Start/Wait/Close lifecycle), generalized from a
// fixed remux command to an arbitrary run/finish script invocation.
package procctl

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/multiplex"
)

// StillActive is the GetExitCode sentinel meaning the child has not yet
// exited (spec §4.5).
const StillActive = -1

// Params configures Create.
type Params struct {
	Argv            []string  // Argv[0] is the executable; required.
	Dir             string    // Working directory; empty = inherit.
	Env             []string  // Composed environment block; nil = inherit.
	Stdin           *os.File  // nil = /dev/null
	Stdout          *os.File  // nil = inherit
	Stderr          *os.File  // nil = inherit
	NewProcessGroup bool      // Setpgid, required for SendBreak/Terminate to reach the whole group.
}

// Process owns one child's lifecycle (spec §4.5). The zero value is not
// usable; construct with New.
type Process struct {
	log *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pid      int
	exitCode int
	done     chan struct{}
	started  bool
}

// New constructs an unstarted Process.
func New(log *zap.Logger) *Process {
	if log == nil {
		log = zap.NewNop()
	}
	return &Process{log: log, exitCode: StillActive, done: make(chan struct{})}
}

// Create spawns the child described by params. On success the child's pid
// is recorded and a background goroutine reaps it on exit, closing the
// Handle returned by GetHandle. Create must be called at most once per
// Process.
func (p *Process) Create(params Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("procctl: Create called twice")
	}
	if len(params.Argv) == 0 {
		return errors.New("procctl: empty argv")
	}

	cmd := exec.Command(params.Argv[0], params.Argv[1:]...)
	cmd.Dir = params.Dir
	cmd.Env = params.Env

	if params.Stdin != nil {
		cmd.Stdin = params.Stdin
	}
	cmd.Stdout = os.Stdout
	if params.Stdout != nil {
		cmd.Stdout = params.Stdout
	}
	cmd.Stderr = os.Stderr
	if params.Stderr != nil {
		cmd.Stderr = params.Stderr
	}

	if params.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("procctl: start %v: %w", params.Argv, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.started = true
	p.log.Debug("process started", zap.Int("pid", p.pid), zap.Strings("argv", params.Argv))

	go p.reap()
	return nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.exitCode = 0
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			// Wait() itself failed (e.g. I/O error reaping); treat as
			// non-zero so the supervisor doesn't mistake it for success.
			p.exitCode = 1
		}
	}
	p.log.Debug("process reaped", zap.Int("pid", p.pid), zap.Int("exit_code", p.exitCode))
	close(p.done)
}

// GetHandle returns the Handle that fires exactly once, when the child has
// been reaped (spec §4.5, §4.1).
func (p *Process) GetHandle() multiplex.Handle {
	return p.done
}

// GetExitCode returns the child's platform exit code, or StillActive if it
// has not yet been reaped (spec §4.5).
func (p *Process) GetExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return p.exitCode
	default:
		return StillActive
	}
}

// IsActive reports whether the child is still running.
func (p *Process) IsActive() bool {
	return p.GetExitCode() == StillActive
}

// Pid returns the child's OS process identifier, or 0 if never started.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// SendBreak delivers the console-break equivalent to the process's group:
// on this POSIX target, SIGTERM to the process group (spec §4.5; requires
// NewProcessGroup at Create time).
func (p *Process) SendBreak() error {
	return p.signalGroup(syscall.SIGTERM)
}

// Terminate forcibly kills the process group with no graceful window
// (spec §4.5).
func (p *Process) Terminate() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *Process) signalGroup(sig syscall.Signal) error {
	p.mu.Lock()
	pid := p.pid
	started := p.started
	p.mu.Unlock()

	if !started || pid == 0 {
		return errors.New("procctl: process not started")
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		// ESRCH just means it already exited; that's fine.
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("procctl: signal %v to pgid %d: %w", sig, pid, err)
	}
	return nil
}

// Close releases resources owned by this Process wrapper without touching
// the child itself (spec §4.5: "releases the handle while leaving the
// process untouched"). It is safe to call even if the process is still
// running; it does not wait for it.
func (p *Process) Close() error {
	return nil
}
