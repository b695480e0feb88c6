package pipe

import (
	"net"

	"github.com/winss-go/winss/internal/multiplex"
)

// OutboundClient dials the server side of an outbound (notification) pipe
// and delivers received payloads to a ReceiveListener (spec §4.2's
// "Outbound client semantics" — this is what svwait and similar watchers
// use to consume status-change bytes).
type OutboundClient struct {
	c        *conn
	listener ReceiveListener
}

// DialOutbound connects to path as an outbound client.
func DialOutbound(path string, l ReceiveListener) (*OutboundClient, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	c := newConn(nc, false, true)
	oc := &OutboundClient{c: c, listener: l}
	c.start()
	if l != nil {
		l.Connected()
	}
	return oc, nil
}

// Register arms mux to dispatch this client's events.
func (oc *OutboundClient) Register(mux *multiplex.Multiplexer) {
	keepListening := true
	var onEvent multiplex.TriggeredFunc
	onEvent = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		gone := false
		for {
			ev, ok := oc.c.TryNext()
			if !ok {
				break
			}
			switch ev.Type {
			case EvDisconnected:
				gone = true
			case EvReceived:
				if keepListening && oc.listener != nil {
					if !oc.listener.Received(ev.Data) {
						keepListening = false
					}
				}
			case EvWriteComplete:
			}
		}
		if gone {
			if oc.listener != nil {
				oc.listener.Disconnected()
			}
			return
		}
		if m.Stopping() {
			return
		}
		m.AddTriggered(oc.c.Ready(), onEvent)
	}
	mux.AddTriggered(oc.c.Ready(), onEvent)
	mux.AddStop(func(m *multiplex.Multiplexer) { m.RemoveTriggered(oc.c.Ready()) })
}

// Close tears down the connection.
func (oc *OutboundClient) Close() { oc.c.Close() }

// InboundClient dials the server side of an inbound (command) pipe and
// sends command bytes to it, reporting write completion and disconnect to
// a SendListener (spec §4.2's "Inbound client semantics" — this is what
// svc/svscanctl use to deliver commands).
type InboundClient struct {
	c        *conn
	listener SendListener
}

// DialInbound connects to path as an inbound client.
func DialInbound(path string, l SendListener) (*InboundClient, error) {
	nc, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	c := newConn(nc, false, true)
	ic := &InboundClient{c: c, listener: l}
	c.start()
	if l != nil {
		l.Connected()
	}
	return ic, nil
}

// Register arms mux to dispatch this client's events.
func (ic *InboundClient) Register(mux *multiplex.Multiplexer) {
	var onEvent multiplex.TriggeredFunc
	onEvent = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		gone := false
		for {
			ev, ok := ic.c.TryNext()
			if !ok {
				break
			}
			switch ev.Type {
			case EvDisconnected:
				gone = true
			case EvWriteComplete:
				if ic.listener != nil {
					ic.listener.WriteComplete()
				}
			case EvReceived:
				// Servers on the inbound flavor never push payload bytes
				// back to the client (spec §4.2); ignored if it happens.
			}
		}
		if gone {
			if ic.listener != nil {
				ic.listener.Disconnected()
			}
			return
		}
		if m.Stopping() {
			return
		}
		m.AddTriggered(ic.c.Ready(), onEvent)
	}
	mux.AddTriggered(ic.c.Ready(), onEvent)
	mux.AddStop(func(m *multiplex.Multiplexer) { m.RemoveTriggered(ic.c.Ready()) })
}

// Send queues a command payload for delivery.
func (ic *InboundClient) Send(data []byte) error { return ic.c.Send(data) }

// Close tears down the connection.
func (ic *InboundClient) Close() { ic.c.Close() }
