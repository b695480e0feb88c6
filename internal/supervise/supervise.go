// Package supervise implements the Supervisor State Machine of spec §4.6:
// one instance per service directory, running its run/finish scripts in
// sequence, enforcing restart and teardown policy, emitting wire
// notifications, and persisting ServiceState after every transition.
// Grounded in the teacher's internal/infrastructure/processmgr's
// superviseProcess restart-cooldown loop, generalized from a single fixed
// command to the run/finish/down/timeout-finish contract of a service
// directory.
package supervise

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/envfile"
	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pathmutex"
	"github.com/winss-go/winss/internal/procctl"
	"github.com/winss-go/winss/internal/wire"
)

// ExitCodeLockTaken is returned by Supervisor init when the service's path
// mutex is already held by another process (spec §4.6).
const ExitCodeLockTaken = 100

const (
	defaultFinishTimeoutMS = 5000
	spawnCooldownMS        = 10000
	cleanCooldownMS        = 1000
)

const cooldownTimeoutGroup = "supervise-cooldown"
const finishDeadlineGroup = "supervise-finish-deadline"

// NotificationListener observes Supervisor notifications; Received-style
// listeners that return false deregister themselves (spec §4.6 "Event
// emission").
type NotificationListener func(n wire.Notification) bool

// NewProcess constructs the procctl.Process used for one child spawn. It
// exists so tests can substitute a fake without touching the filesystem or
// spawning real processes.
type NewProcess func(log *zap.Logger) *procctl.Process

// Supervisor is the per-service state machine of spec §4.6. The zero value
// is not usable; construct with New.
type Supervisor struct {
	dir string
	log *zap.Logger

	newProcess NewProcess

	mux *multiplex.Multiplexer
	mu  *pathmutex.Mutex

	state wire.ServiceState

	exiting int // 0 = no, 1 = requested, 2 = committed
	waiting bool

	child *procctl.Process

	listeners []NotificationListener

	// now is overridable for deterministic tests.
	now func() time.Time
}

// New constructs a Supervisor for the service directory dir. mux is the
// shared event loop this supervisor's callbacks will run on.
func New(dir string, mux *multiplex.Multiplexer, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		dir:        dir,
		log:        log.With(zap.String("component", "supervise"), zap.String("dir", dir)),
		mux:        mux,
		newProcess: func(log *zap.Logger) *procctl.Process { return procctl.New(log) },
		now:        time.Now,
	}
}

// AddNotificationListener registers l to be called on every emitted
// notification, in registration order.
func (s *Supervisor) AddNotificationListener(l NotificationListener) {
	s.listeners = append(s.listeners, l)
}

// Init is the multiplexer init callback of spec §4.6 "Initialization".
func (s *Supervisor) Init(m *multiplex.Multiplexer) {
	if _, err := os.Stat(s.dir); err != nil {
		s.log.Error("service directory missing", zap.Error(err))
		m.Stop(111)
		return
	}

	mu, err := pathmutex.New(s.dir, "supervise")
	if err != nil {
		s.log.Error("construct path mutex", zap.Error(err))
		m.Stop(111)
		return
	}
	s.mu = mu
	if !s.mu.Lock() {
		s.log.Warn("service already supervised")
		m.Stop(ExitCodeLockTaken)
		return
	}

	now := s.now()
	down := s.hasDownFile()
	s.state = wire.NewServiceState(now, down)

	s.emit(wire.Start)
	s.step(false)
}

func (s *Supervisor) hasDownFile() bool {
	_, err := os.Stat(filepath.Join(s.dir, "down"))
	return err == nil
}

// Stop is the multiplexer stop callback: it releases the path mutex.
func (s *Supervisor) Stop(m *multiplex.Multiplexer) {
	if s.mu != nil {
		s.mu.Close()
	}
}

func (s *Supervisor) persist() {
	path := wire.StatePath(s.dir)
	if err := wire.WriteState(path, s.state); err != nil {
		s.log.Error("write state", zap.Error(err))
	}
}

func (s *Supervisor) emit(n wire.Notification) {
	s.state.Time = s.now()
	switch n {
	case wire.Run, wire.End:
		s.state.Last = s.state.Time
	}
	s.persist()

	kept := s.listeners[:0]
	for _, l := range s.listeners {
		if l(n) {
			kept = append(kept, l)
		}
	}
	s.listeners = kept
}

// step implements spec §4.6's central transition function.
func (s *Supervisor) step(timeout bool) {
	if s.waiting && !timeout {
		s.mux.RemoveTimeout(cooldownTimeoutGroup)
		s.waiting = false
	}

	restart := 0

	if s.state.IsUp {
		if s.state.IsRunProcess {
			s.state.IsUp = false
			s.state.Pid = 0
			s.emit(wire.End)
			if s.exiting != 0 {
				s.state.ExitCode = wire.ExitSignaled
			} else {
				s.state.ExitCode = s.child.GetExitCode()
			}
			s.child = nil
			if !s.startFinish() {
				restart = 2
			}
		} else {
			if timeout {
				if s.child != nil {
					_ = s.child.Terminate()
				}
				return
			}
			s.mux.RemoveTimeout(finishDeadlineGroup)
			exitCode := s.child.GetExitCode()
			if exitCode == wire.DownExitCode {
				s.state.RemainingCount = 0
			}
			s.state.IsUp = false
			s.state.Pid = 0
			s.child = nil
			restart = 2
		}
	} else if !s.complete() {
		if !s.startRun() {
			restart = 1
			s.log.Warn("unable to spawn run")
		}
	}

	if restart >= 2 {
		s.emit(wire.Finished)
	}

	if restart > 0 && !s.complete() && s.state.RemainingCount != 0 {
		s.waiting = true
		ms := cleanCooldownMS
		if restart == 1 {
			ms = spawnCooldownMS
		}
		s.mux.AddTimeout(ms, func(m *multiplex.Multiplexer) { s.step(true) }, cooldownTimeoutGroup)
	}
}

// startRun implements spec §4.6 StartRun.
func (s *Supervisor) startRun() bool {
	if s.state.RemainingCount == 0 {
		return true
	}

	os.Unsetenv("SUPERVISE_RUN_EXIT_CODE")

	env, err := envfile.Compose(filepath.Join(s.dir, "env"))
	if err != nil {
		s.log.Error("compose env", zap.Error(err))
		return false
	}

	s.state.UpCount++
	s.state.IsRunProcess = true

	p := s.newProcess(s.log)
	if err := p.Create(procctl.Params{
		Argv:            []string{filepath.Join(s.dir, "run")},
		Dir:             s.dir,
		Env:             env,
		NewProcessGroup: true,
	}); err != nil {
		s.log.Error("spawn run", zap.Error(err))
		s.state.IsRunProcess = false
		return false
	}

	s.child = p
	s.mux.AddTriggered(p.GetHandle(), func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		s.step(false)
	})

	if s.state.RemainingCount > 0 {
		s.state.RemainingCount--
	}
	s.state.ExitCode = 0
	s.state.Pid = p.Pid()
	s.state.IsUp = true
	s.emit(wire.Run)
	return true
}

// startFinish implements spec §4.6 StartFinish. Returns false when no
// finish child was started: on spawn failure, and also when the service
// has no finish script. step treats both the same way, as an immediately
// completed finish step (Finished, then the cooldown).
func (s *Supervisor) startFinish() bool {
	s.state.IsRunProcess = false

	finishPath := filepath.Join(s.dir, "finish")
	if _, err := os.Stat(finishPath); err != nil {
		return false
	}

	os.Setenv("SUPERVISE_RUN_EXIT_CODE", strconv.Itoa(s.state.ExitCode))

	env, err := envfile.Compose(filepath.Join(s.dir, "env"))
	if err != nil {
		s.log.Error("compose env", zap.Error(err))
		return false
	}

	p := s.newProcess(s.log)
	if err := p.Create(procctl.Params{
		Argv:            []string{finishPath},
		Dir:             s.dir,
		Env:             env,
		NewProcessGroup: true,
	}); err != nil {
		s.log.Error("spawn finish", zap.Error(err))
		return false
	}

	s.child = p
	s.mux.AddTriggered(p.GetHandle(), func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		s.step(false)
	})

	if ms := s.readTimeoutFinish(); ms > 0 {
		s.mux.AddTimeout(ms, func(m *multiplex.Multiplexer) { s.step(true) }, finishDeadlineGroup)
	}

	s.state.Pid = p.Pid()
	s.state.IsUp = true
	return true
}

func (s *Supervisor) readTimeoutFinish() int {
	data, err := os.ReadFile(filepath.Join(s.dir, "timeout-finish"))
	if err != nil {
		return defaultFinishTimeoutMS
	}
	ms, err := strconv.Atoi(trimNewline(data))
	if err != nil {
		return defaultFinishTimeoutMS
	}
	return ms
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// complete implements spec §4.6 Complete.
func (s *Supervisor) complete() bool {
	if s.exiting == 0 {
		return false
	}
	if s.exiting == 1 {
		s.exiting = 2
		if !s.mux.Stopping() {
			s.mux.Stop(0)
		}
		s.emit(wire.Exit)
	}
	return true
}

// Up implements spec §4.6 command Up.
func (s *Supervisor) Up() {
	if !s.commandAllowed(false) {
		return
	}
	s.state.RemainingCount = -1
	if !s.state.IsUp {
		s.step(false)
	}
}

// Once implements spec §4.6 command Once.
func (s *Supervisor) Once() {
	if !s.commandAllowed(false) {
		return
	}
	if !s.state.IsUp {
		s.state.RemainingCount = 1
		s.step(false)
	} else {
		s.state.RemainingCount = 0
	}
}

// OnceAtMost implements spec §4.6 command OnceAtMost.
func (s *Supervisor) OnceAtMost() {
	if !s.commandAllowed(false) {
		return
	}
	s.state.RemainingCount = 0
}

// Down implements spec §4.6 command Down. Unlike Up/Once/OnceAtMost/Exit,
// Down is not refused while exiting (spec §4.6), so it can still force an
// already-running child down after an Exit has been requested.
func (s *Supervisor) Down() {
	if !s.commandAllowed(true) {
		return
	}
	s.state.RemainingCount = 0
	s.Term()
}

// Kill implements spec §4.6 command Kill.
func (s *Supervisor) Kill() {
	if !s.commandAllowed(true) {
		return
	}
	if s.state.IsUp && s.state.IsRunProcess && s.child != nil {
		if err := s.child.Terminate(); err != nil {
			s.log.Error("kill", zap.Error(err))
		}
	}
}

// Term implements spec §4.6 command Term.
func (s *Supervisor) Term() {
	if !s.commandAllowed(true) {
		return
	}
	if s.state.IsUp && s.state.IsRunProcess && s.child != nil {
		if err := s.child.SendBreak(); err != nil {
			s.log.Error("term", zap.Error(err))
		}
	}
}

// Exit implements spec §4.6 command Exit.
func (s *Supervisor) Exit() {
	if !s.commandAllowed(false) {
		return
	}
	s.state.RemainingCount = 0
	s.exiting = 1
	if !s.state.IsUp {
		s.step(false)
	}
}

// commandAllowed reports whether a command may run: every command is a
// no-op unless the mutex is held; skipExitingCheck lets Down/Kill/Term run even
// while exiting (spec §4.6 "All commands are no-ops if the mutex is not
// held; Up/Once/OnceAtMost/Exit also refuse when exiting").
func (s *Supervisor) commandAllowed(skipExitingCheck bool) bool {
	if s.mu == nil || !s.mu.HasLock() {
		return false
	}
	if !skipExitingCheck && s.exiting != 0 {
		return false
	}
	return true
}

// State returns a copy of the current ServiceState, for svstat and
// diagnostics.
func (s *Supervisor) State() wire.ServiceState { return s.state }

// Dispatch routes a wire.Command byte to the matching Supervisor command,
// per spec §4.7.
func (s *Supervisor) Dispatch(cmd wire.Command) error {
	switch cmd {
	case wire.CmdUp:
		s.Up()
	case wire.CmdOnce:
		s.Once()
	case wire.CmdOnceAtMost:
		s.OnceAtMost()
	case wire.CmdDown:
		s.Down()
	case wire.CmdKill:
		s.Kill()
	case wire.CmdTerm:
		s.Term()
	case wire.CmdExit:
		s.Exit()
	default:
		return fmt.Errorf("supervise: unknown command %q", byte(cmd))
	}
	return nil
}
