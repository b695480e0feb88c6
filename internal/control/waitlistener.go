package control

import "github.com/winss-go/winss/internal/wire"

// WaitAction selects which ServiceState transition a WaitListener blocks
// for (spec §4.10).
type WaitAction int

const (
	// NoWait disables waiting entirely.
	NoWait WaitAction = iota
	// WaitUp waits for the next Run notification, unless the service is
	// already up and running.
	WaitUp
	// WaitDown waits for the next End notification, unless the service is
	// already down.
	WaitDown
	// WaitFinished waits for the next Finished notification, unless the
	// service is already fully settled (neither up nor mid-run).
	WaitFinished
	// WaitRestart waits for a full down-then-up cycle: Finished then Run if
	// currently up, or just Run if currently down.
	WaitRestart
)

// WaitListener is the State-Aware Wait Listener of spec §4.10: it probes a
// supervisor's persisted ServiceState once, at Connected time, to build a
// queue of notifications still outstanding, then drains that queue as
// notification bytes arrive on the control connection. Probing at Connected
// (rather than waiting for the first notification byte) is what closes the
// race spec §8 scenario 4 calls out: a state transition that already
// happened before the wait client connected must not be waited for again.
type WaitListener struct {
	action WaitAction
	queue  []wire.Notification
}

// NewWaitListener constructs a WaitListener for the given action. The state
// it probes is passed in later, through Probe.
func NewWaitListener(action WaitAction) *WaitListener {
	return &WaitListener{action: action}
}

// IsEnabled reports whether this listener actually waits for anything.
func (w *WaitListener) IsEnabled() bool { return w.action != NoWait }

// Probe computes the outstanding-notification queue from the service's
// current persisted state. Must be called once, before any notification
// bytes can be attributed to this session (i.e. from Connected).
func (w *WaitListener) Probe(state wire.ServiceState, stateOK bool) {
	if !stateOK {
		// No state file yet: treat the service as never having started,
		// i.e. fully down.
		state = wire.ServiceState{}
	}
	switch w.action {
	case WaitUp:
		if !(state.IsUp && state.IsRunProcess) {
			w.queue = append(w.queue, wire.Run)
		}
	case WaitDown:
		if state.IsUp && state.IsRunProcess {
			w.queue = append(w.queue, wire.End)
		}
	case WaitFinished:
		if state.IsUp || state.IsRunProcess {
			w.queue = append(w.queue, wire.Finished)
		}
	case WaitRestart:
		if state.IsUp {
			w.queue = append(w.queue, wire.Finished, wire.Run)
		} else {
			w.queue = append(w.queue, wire.Run)
		}
	case NoWait:
	}
}

// CanStart reports whether the queue is non-empty after Probe; false means
// the condition being waited for is already satisfied.
func (w *WaitListener) CanStart() bool { return len(w.queue) > 0 }

// Received processes one notification byte. It pops the head of the queue
// on a match and reports whether anything remains outstanding; false means
// the wait is satisfied and the caller should stop listening.
func (w *WaitListener) Received(b byte) bool {
	if b == wire.Handshake {
		return len(w.queue) > 0
	}
	if len(w.queue) > 0 && wire.Notification(w.queue[0]) == wire.Notification(b) {
		w.queue = w.queue[1:]
	}
	return len(w.queue) > 0
}
