// Package control implements the Control Rendezvous of spec §4.9 and the
// State-Aware Wait Listener of spec §4.10: the machinery shared by svc,
// svscanctl, and svwait to compose one or more pipe-client
// sessions behind a single start gate and a global timeout. Grounded in
// the teacher's cmd/zmux-server/main.go composition of
// services.NewSummaryService(..., SummaryOptions{TTL, RefreshTimeout}) —
// generalized here from "compose N cached lookups with a deadline" to
// "compose N pipe-client sessions with a deadline".
package control

import (
	"github.com/winss-go/winss/internal/multiplex"
)

// Infinite disables the rendezvous-wide timeout.
const Infinite = -1

// DefaultTimeoutExitCode is the exit code used when the rendezvous-wide
// timeout fires while items are still outstanding (spec §4.9).
const DefaultTimeoutExitCode = 1

const rendezvousTimeoutGroup = "control-rendezvous-timeout"

// Item is one client session composed into a Rendezvous: svc's per-service
// command sender (OutboundControlItem) or svwait's per-service notification
// watcher (InboundControlItem).
type Item interface {
	Name() string
	Init(r *Rendezvous)
	Start()
}

// Rendezvous composes named Items behind a single start gate and an
// optional global timeout (spec §4.9).
type Rendezvous struct {
	mux       *multiplex.Multiplexer
	finishAll bool

	items []Item
	index map[string]int
	ready map[string]bool

	readyCount int
	started    bool

	onItemDone func(name string)
}

// OnItemDone registers f to be called with an item's name each time it
// completes (i.e. is Removed), in completion order. Used by callers such
// as svwait that need to report which of several targets finished first.
func (r *Rendezvous) OnItemDone(f func(name string)) { r.onItemDone = f }

// New constructs a Rendezvous driven by mux. finishAll selects AND
// (wait for every item to complete) vs OR (stop as soon as one does).
// timeoutMS is Infinite to disable the rendezvous-wide deadline.
func New(mux *multiplex.Multiplexer, finishAll bool, timeoutMS int, timeoutExitCode int) *Rendezvous {
	r := &Rendezvous{
		mux:       mux,
		finishAll: finishAll,
		index:     make(map[string]int),
		ready:     make(map[string]bool),
	}
	if timeoutMS != Infinite {
		mux.AddInit(func(m *multiplex.Multiplexer) {
			m.AddTimeout(timeoutMS, func(m *multiplex.Multiplexer) {
				if r.IsActive() {
					m.Stop(timeoutExitCode)
				}
			}, rendezvousTimeoutGroup)
		})
		mux.AddStop(func(m *multiplex.Multiplexer) {
			m.RemoveTimeout(rendezvousTimeoutGroup)
		})
	}
	return r
}

// Add registers item by name and subscribes its Init to the multiplexer's
// init callback (spec §4.9).
func (r *Rendezvous) Add(item Item) {
	name := item.Name()
	r.index[name] = len(r.items)
	r.items = append(r.items, item)
	r.mux.AddInit(func(m *multiplex.Multiplexer) { item.Init(r) })
}

// Ready is called by an item when its own handshake is complete. Once
// every registered item has reported ready, Start runs on each exactly
// once, in registration order (spec §4.9).
func (r *Rendezvous) Ready(name string) {
	if _, ok := r.index[name]; !ok {
		return
	}
	if r.ready[name] {
		return
	}
	r.ready[name] = true
	r.readyCount++
	if r.started || r.readyCount != len(r.items) {
		return
	}
	r.started = true
	for _, item := range r.items {
		item.Start()
	}
}

// Remove drops the named item. If the set becomes empty, or this
// Rendezvous is in OR mode (finishAll false), the multiplexer is asked to
// stop with code 0 (spec §4.9, §8 invariant 6).
func (r *Rendezvous) Remove(name string) {
	i, ok := r.index[name]
	if !ok {
		return
	}
	if r.onItemDone != nil {
		r.onItemDone(name)
	}
	delete(r.index, name)
	delete(r.ready, name)
	r.items = append(r.items[:i], r.items[i+1:]...)
	for n, idx := range r.index {
		if idx > i {
			r.index[n] = idx - 1
		}
	}

	if len(r.items) == 0 || !r.finishAll {
		r.mux.Stop(0)
	}
}

// IsActive reports whether any items are still outstanding.
func (r *Rendezvous) IsActive() bool { return len(r.items) > 0 }

// Start runs the multiplexer to completion and returns its exit code, or
// returns 0 immediately without running it if no items were ever added
// (spec §4.9).
func (r *Rendezvous) Start() (int, error) {
	if len(r.items) == 0 {
		return 0, nil
	}
	return r.mux.Start()
}
