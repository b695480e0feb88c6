package control

import (
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

// Naming note (spec §4.9 vs §6.3): §4.2/§6.3 name pipe flavors from the
// supervisor's point of view — "outbound" is the notification pipe the
// supervisor writes to, "inbound" is the command pipe clients write to.
// §4.9's OutboundControlItem/InboundControlItem instead name the two
// control items from the client's own point of view: an
// OutboundControlItem sends bytes outbound (so it dials the supervisor's
// *inbound* command pipe with pipe.InboundClient), and an
// InboundControlItem receives bytes inbound (so it dials the supervisor's
// *outbound* notification pipe with pipe.OutboundClient). The item names
// describe data direction relative to the control item itself, not the
// wire-level pipe flavor it happens to connect to.

// OutboundControlItem is a Rendezvous item that sends a fixed command
// payload to one supervisor's command pipe and waits for the write to
// drain (spec §4.9). It is what svc and svscanctl use per target.
type OutboundControlItem struct {
	name     string
	path     string
	commands []byte

	rendez    *Rendezvous
	client    *pipe.InboundClient
	wrote     bool
	connected bool
}

// NewOutboundControlItem constructs an item named name, dialing path and
// sending commands once the rendezvous starts it.
func NewOutboundControlItem(name, path string, commands []byte) *OutboundControlItem {
	return &OutboundControlItem{name: name, path: path, commands: commands}
}

func (it *OutboundControlItem) Name() string { return it.name }

func (it *OutboundControlItem) Init(r *Rendezvous) {
	it.rendez = r
	client, err := pipe.DialInbound(it.path, it)
	if err != nil {
		r.mux.Stop(111)
		return
	}
	it.client = client
	client.Register(r.mux)
	if it.connected {
		r.Ready(it.name)
	}
}

// Start sends the configured command bytes (spec §4.9).
func (it *OutboundControlItem) Start() {
	if err := it.client.Send(it.commands); err != nil {
		it.rendez.mux.Stop(111)
	}
}

// Connected reports the item ready; when it fires inside Dial, before the
// client is stored, Init reports it instead.
func (it *OutboundControlItem) Connected() {
	it.connected = true
	if it.client != nil {
		it.rendez.Ready(it.name)
	}
}

func (it *OutboundControlItem) WriteComplete() {
	it.wrote = true
	it.client.Close()
}

func (it *OutboundControlItem) Disconnected() {
	if !it.wrote {
		it.rendez.mux.Stop(111)
		return
	}
	it.rendez.Remove(it.name)
}

// InboundControlItem is a Rendezvous item that watches one supervisor's
// notification pipe through an attached WaitListener, completing once the
// listener's outstanding queue drains (spec §4.9, §4.10). It is what
// svwait and svc's `-w` option use per target.
type InboundControlItem struct {
	name       string
	path       string
	serviceDir string
	listener   *WaitListener

	rendez    *Rendezvous
	client    *pipe.OutboundClient
	connected bool
}

// NewInboundControlItem constructs an item named name, dialing path and
// probing serviceDir's persisted state via listener once connected.
func NewInboundControlItem(name, path, serviceDir string, listener *WaitListener) *InboundControlItem {
	return &InboundControlItem{name: name, path: path, serviceDir: serviceDir, listener: listener}
}

func (it *InboundControlItem) Name() string { return it.name }

func (it *InboundControlItem) Init(r *Rendezvous) {
	it.rendez = r
	client, err := pipe.DialOutbound(it.path, it)
	if err != nil {
		r.mux.Stop(111)
		return
	}
	it.client = client
	client.Register(r.mux)
	if it.connected {
		r.Ready(it.name)
	}
}

// Connected probes the persisted state and reports the item ready; when it
// fires inside Dial, before the client is stored, Init reports it instead.
func (it *InboundControlItem) Connected() {
	state, ok := wire.ReadState(wire.StatePath(it.serviceDir))
	it.listener.Probe(state, ok)
	it.connected = true
	if it.client != nil {
		it.rendez.Ready(it.name)
	}
}

// Start marks the item completed immediately if the listener's condition
// was already satisfied at probe time (spec §4.9).
func (it *InboundControlItem) Start() {
	if !it.listener.CanStart() {
		it.client.Close()
	}
}

func (it *InboundControlItem) Received(data []byte) bool {
	for _, b := range data {
		if !it.listener.Received(b) {
			it.client.Close()
			return false
		}
	}
	return true
}

func (it *InboundControlItem) Disconnected() {
	it.rendez.Remove(it.name)
}
