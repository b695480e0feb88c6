package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServiceState is the in-memory and persisted state of one supervisor
// (spec §3). Zero value is not meaningful; use NewServiceState.
type ServiceState struct {
	Time           time.Time `json:"time"`
	Last           time.Time `json:"last"`
	IsRunProcess   bool      `json:"-"`
	IsUp           bool      `json:"-"`
	InitiallyUp    bool      `json:"-"`
	UpCount        int64     `json:"count"`
	RemainingCount int64     `json:"remaining"`
	ExitCode       int       `json:"exit"`
	Pid            int       `json:"pid"`
}

// wireState is the on-disk JSON shape (spec §4.8): "proc"/"state"/"initial"
// carry what ServiceState keeps as booleans in memory.
type wireState struct {
	Time     time.Time `json:"time"`
	Last     time.Time `json:"last"`
	Proc     string    `json:"proc"`
	State    string    `json:"state"`
	Initial  string    `json:"initial"`
	Count    int64     `json:"count"`
	Remain   int64     `json:"remaining"`
	Pid      int       `json:"pid"`
	ExitCode int       `json:"exit"`
}

func procName(isRunProcess bool) string {
	if isRunProcess {
		return "run"
	}
	return "finish"
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// NewServiceState builds the initial ServiceState for a supervisor
// (spec §4.6 Initialization): `down` file present ⇒ initially-down with a
// remaining budget of zero, absent ⇒ initially-up and unbounded.
func NewServiceState(now time.Time, down bool) ServiceState {
	s := ServiceState{Time: now, Last: now}
	if down {
		s.InitiallyUp = false
		s.RemainingCount = 0
	} else {
		s.InitiallyUp = true
		s.RemainingCount = -1
	}
	return s
}

// Validate checks the invariants of spec §8: is_up ⇒ pid≠0, ¬is_up ⇒ pid=0,
// remaining_count ≥ -1, up_count ≥ 0.
func (s ServiceState) Validate() error {
	if s.IsUp && s.Pid == 0 {
		return fmt.Errorf("wire: invariant violated: is_up but pid=0")
	}
	if !s.IsUp && s.Pid != 0 {
		return fmt.Errorf("wire: invariant violated: not up but pid=%d", s.Pid)
	}
	if s.RemainingCount < -1 {
		return fmt.Errorf("wire: invariant violated: remaining_count=%d", s.RemainingCount)
	}
	if s.UpCount < 0 {
		return fmt.Errorf("wire: invariant violated: up_count=%d", s.UpCount)
	}
	return nil
}

func (s ServiceState) toWire() wireState {
	return wireState{
		Time:     s.Time,
		Last:     s.Last,
		Proc:     procName(s.IsRunProcess),
		State:    upDown(s.IsUp),
		Initial:  upDown(s.InitiallyUp),
		Count:    s.UpCount,
		Remain:   s.RemainingCount,
		Pid:      s.Pid,
		ExitCode: s.ExitCode,
	}
}

func (w wireState) toState() ServiceState {
	return ServiceState{
		Time:           w.Time,
		Last:           w.Last,
		IsRunProcess:   w.Proc == "run",
		IsUp:           w.State == "up",
		InitiallyUp:    w.Initial == "up",
		UpCount:        w.Count,
		RemainingCount: w.Remain,
		Pid:            w.Pid,
		ExitCode:       w.ExitCode,
	}
}

// StatePath returns the canonical state-file path for a service directory
// (spec §6.2: "<service>/supervise/state").
func StatePath(serviceDir string) string {
	return filepath.Join(serviceDir, "supervise", "state")
}

// WriteState serializes state to path atomically: write to a temp file in
// the same directory, then rename over the destination (spec §4.8, §3
// Ownership). The parent directory is created on demand.
func WriteState(path string, state ServiceState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("wire: mkdir %s: %w", dir, err)
	}

	data, err := json.Marshal(state.toWire())
	if err != nil {
		return fmt.Errorf("wire: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("wire: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("wire: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("wire: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("wire: rename temp state file: %w", err)
	}
	return nil
}

// ReadState tolerates a missing or unparseable file: it returns a zero
// ServiceState and false rather than an error (spec §4.8, §7 "Parse errors
// on the state file").
func ReadState(path string) (ServiceState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceState{}, false
	}
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return ServiceState{}, false
	}
	return w.toState(), true
}

// FormatState renders the human-readable status line of spec §4.8, used by
// svstat. supervisorRunning lets the caller pass the live "supervisor process is
// running" signal (from the path mutex) separately from the persisted
// is_up bit, matching the source's split between "supervisor alive" and
// "child alive".
func FormatState(s ServiceState, supervisorRunning bool) string {
	var head string
	if s.IsUp {
		head = fmt.Sprintf("up (pid %d)", s.Pid)
	} else {
		head = "down"
		if s.ExitCode != 0 || s.UpCount > 0 {
			head += fmt.Sprintf(" (exit code %d)", s.ExitCode)
		}
	}

	elapsed := time.Since(s.Time)
	if elapsed < 0 {
		elapsed = 0
	}
	line := fmt.Sprintf("%s %d seconds", head, int(elapsed.Seconds()))

	if s.UpCount > 0 {
		line += fmt.Sprintf(", started %d times", s.UpCount)
	}

	switch {
	case s.InitiallyUp && s.RemainingCount == 0:
		line += ", normally up"
	case !s.InitiallyUp && s.RemainingCount != 0:
		line += ", normally down"
	}

	if !supervisorRunning {
		line += ", want down"
	} else if s.RemainingCount == 0 {
		line += ", paused"
	} else if s.RemainingCount > 0 {
		line += ", want up"
	}

	return line
}
