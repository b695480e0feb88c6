// Package multiplex implements the single-threaded cooperative wait loop
// shared by every winss component (spec §4.1, §5): one goroutine dispatches
// exactly one callback per tick, in response to either a channel ("handle")
// firing or a timeout elapsing, so that every other component's invariants
// (single-writer state, no torn updates) hold without locking.
package multiplex

import (
	"errors"
	"reflect"
	"time"
)

// Handle is a one-shot waitable signal: the multiplexer treats either a
// send or a close on the channel as "fired". It is the Go analogue of the
// source's waitable OS handle.
type Handle = <-chan struct{}

// InitFunc runs once, in registration order, when Start is called.
type InitFunc func(m *Multiplexer)

// StopFunc runs once, in registration order, when the multiplexer commits
// to stopping. Stop callbacks are responsible for draining whatever
// handles/timeouts their component owns (spec §4.1 Cancellation).
type StopFunc func(m *Multiplexer)

// TriggeredFunc is invoked exactly once when its registered Handle fires.
// h is the handle that fired, for callbacks shared across multiple handles.
type TriggeredFunc func(m *Multiplexer, h Handle)

// TimeoutFunc is invoked exactly once when its deadline elapses.
type TimeoutFunc func(m *Multiplexer)

// ErrIllegal is returned by Start when the multiplexer is already running
// or already stopping (spec §4.1).
var ErrIllegal = errors.New("multiplex: illegal state transition")

type timeoutEntry struct {
	group    string
	deadline time.Time
	fn       TimeoutFunc
}

// Multiplexer is the event loop of spec §4.1. The zero value is not usable;
// construct with New.
type Multiplexer struct {
	inits []InitFunc
	stops []StopFunc

	order     []Handle
	triggered map[Handle]TriggeredFunc

	timeouts []timeoutEntry

	started     bool
	stopping    bool
	stopInvoked bool
	code        int
	codeSet     bool

	// now and after are overridable for deterministic tests; they default
	// to time.Now and time.After.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New constructs an empty, unstarted Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		triggered: make(map[Handle]TriggeredFunc),
		now:       time.Now,
		after:     time.After,
	}
}

// AddInit registers f to run once, in order, when Start begins.
func (m *Multiplexer) AddInit(f InitFunc) {
	m.inits = append(m.inits, f)
}

// AddStop registers f to run once, in order, when the multiplexer stops.
func (m *Multiplexer) AddStop(f StopFunc) {
	m.stops = append(m.stops, f)
}

// AddTriggered arms h: the next time it fires, f runs exactly once and h is
// automatically deregistered. Registering the same handle twice replaces
// the prior callback without changing its position in the wakeup order.
func (m *Multiplexer) AddTriggered(h Handle, f TriggeredFunc) {
	if _, exists := m.triggered[h]; !exists {
		m.order = append(m.order, h)
	}
	m.triggered[h] = f
}

// RemoveTriggered deregisters h, returning true if it was armed.
func (m *Multiplexer) RemoveTriggered(h Handle) bool {
	if _, ok := m.triggered[h]; !ok {
		return false
	}
	delete(m.triggered, h)
	for i, oh := range m.order {
		if oh == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// AddTimeout arms a one-shot timeout under group, firing f after ms
// milliseconds (relative to now). Groups let a component cancel its own
// cooldown/deadline timer without tracking an opaque token.
func (m *Multiplexer) AddTimeout(ms int, f TimeoutFunc, group string) {
	m.timeouts = append(m.timeouts, timeoutEntry{
		group:    group,
		deadline: m.now().Add(time.Duration(ms) * time.Millisecond),
		fn:       f,
	})
}

// RemoveTimeout cancels every pending timeout registered under group,
// returning true if at least one was removed.
func (m *Multiplexer) RemoveTimeout(group string) bool {
	removed := false
	out := m.timeouts[:0]
	for _, t := range m.timeouts {
		if t.group == group {
			removed = true
			continue
		}
		out = append(out, t)
	}
	m.timeouts = out
	return removed
}

// AddCloseEvent subscribes to event and, when it fires, stops the
// multiplexer with code (spec §4.1).
func (m *Multiplexer) AddCloseEvent(event Handle, code int) {
	m.AddTriggered(event, func(m *Multiplexer, _ Handle) {
		m.Stop(code)
	})
}

// Stop requests the multiplexer to end the wait loop with the given exit
// code. It is idempotent: only the first call's code is kept, and stop
// callbacks run exactly once regardless of how many times Stop is called.
func (m *Multiplexer) Stop(code int) {
	if !m.codeSet {
		m.code = code
		m.codeSet = true
	}
	m.stopping = true
	if m.stopInvoked {
		return
	}
	m.stopInvoked = true
	for _, f := range m.stops {
		f(m)
	}
}

// Stopping reports whether Stop has been called.
func (m *Multiplexer) Stopping() bool { return m.stopping }

// earliestTimeoutIndex returns the index of the timeout with the nearest
// deadline, or -1 if none are armed.
func (m *Multiplexer) earliestTimeoutIndex() int {
	if len(m.timeouts) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(m.timeouts); i++ {
		if m.timeouts[i].deadline.Before(m.timeouts[best].deadline) {
			best = i
		}
	}
	return best
}

func (m *Multiplexer) popTimeout(i int) timeoutEntry {
	t := m.timeouts[i]
	m.timeouts = append(m.timeouts[:i], m.timeouts[i+1:]...)
	return t
}

// pollHandles performs a deterministic, non-blocking scan of armed handles
// in registration order and dispatches the first ready one. It returns true
// if a callback ran.
func (m *Multiplexer) pollHandles() bool {
	for _, h := range m.order {
		select {
		case <-h:
			f := m.triggered[h]
			m.RemoveTriggered(h)
			f(m, h)
			return true
		default:
		}
	}
	return false
}

// pollTimeout dispatches the earliest already-expired timeout, if any.
func (m *Multiplexer) pollTimeout() bool {
	i := m.earliestTimeoutIndex()
	if i < 0 {
		return false
	}
	if m.timeouts[i].deadline.After(m.now()) {
		return false
	}
	t := m.popTimeout(i)
	t.fn(m)
	return true
}

// waitForSomething blocks until at least one armed handle fires or the
// earliest timeout's deadline arrives. The receive that ends the wait
// consumes a sent signal, so a handle that woke the wait is dispatched
// here; a timer wake-up dispatches nothing and the caller re-polls.
func (m *Multiplexer) waitForSomething() {
	cases := make([]reflect.SelectCase, 0, len(m.order)+1)
	for _, h := range m.order {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(h),
		})
	}

	i := m.earliestTimeoutIndex()
	if i >= 0 {
		d := m.timeouts[i].deadline.Sub(m.now())
		if d < 0 {
			d = 0
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(m.after(d)),
		})
	}

	if len(cases) == 0 {
		return
	}
	chosen, _, _ := reflect.Select(cases)
	if chosen < len(m.order) {
		h := m.order[chosen]
		f := m.triggered[h]
		m.RemoveTriggered(h)
		f(m, h)
	}
}

// Start runs every init callback in order, then loops until no handle is
// armed any more: each tick dispatches exactly one callback, chosen by
// the deterministic priority of spec §4.1 (lowest-index ready handle, else
// the earliest expired timeout, else block for the next event). Start
// fails with ErrIllegal if the multiplexer is already started or stopping.
func (m *Multiplexer) Start() (int, error) {
	if m.started || m.stopping {
		return 0, ErrIllegal
	}
	m.started = true

	for _, f := range m.inits {
		f(m)
	}

	for len(m.triggered) > 0 {
		if m.pollHandles() {
			continue
		}
		if m.pollTimeout() {
			continue
		}
		m.waitForSomething()
	}

	return m.code, nil
}

// PendingTimeouts reports how many timeouts are currently armed. It exists
// for tests and verbose diagnostics; production code should not poll it.
func (m *Multiplexer) PendingTimeouts() int { return len(m.timeouts) }

// PendingHandles reports how many handles are currently armed.
func (m *Multiplexer) PendingHandles() int { return len(m.order) }

// SetClock overrides the time source used for timeout deadlines and the
// blocking wait's timer channel. Intended for deterministic tests.
func (m *Multiplexer) SetClock(now func() time.Time, after func(time.Duration) <-chan time.Time) {
	m.now = now
	m.after = after
}
