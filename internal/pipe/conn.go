package pipe

import (
	"bytes"
	"errors"
	"net"
	"sync"

	"github.com/winss-go/winss/internal/multiplex"
)

// EventType distinguishes the kinds of Event a conn reports. It is the Go
// analogue of the source's OverlappedResult dispatch (spec §4.2): rather
// than a {Continue, Skip, Remove} tri-state decoded at the call site, each
// conn pushes a typed Event and the owner dispatches to the matching
// listener callback directly.
type EventType int

const (
	EvReceived EventType = iota
	EvWriteComplete
	EvDisconnected
)

// Event is one occurrence on a conn, delivered in order on Events().
type Event struct {
	Type EventType
	Data []byte
}

// conn is the shared implementation behind every server instance and
// client in this package: a net.Conn with a chunked send queue and,
// optionally, handshake-byte stripping on the first read (spec §4.2, §6.3).
type conn struct {
	nc     net.Conn
	events chan Event
	ready  chan struct{} // multiplex.Handle: fires whenever events has something to drain
	sendCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	sendsHandshake bool // this endpoint must write the 0x00 handshake byte immediately (every server instance)
	stripHandshake bool // this endpoint must drop its first read up to and including the first 0x00 (every client)

	handshakeSeen   bool
	handshakeBroken bool
}

func newConn(nc net.Conn, sendsHandshake, stripHandshake bool) *conn {
	c := &conn{
		nc:             nc,
		events:         make(chan Event, 64),
		ready:          make(chan struct{}, 1),
		sendCh:         make(chan []byte, 256),
		closed:         make(chan struct{}),
		sendsHandshake: sendsHandshake,
		stripHandshake: stripHandshake,
	}
	return c
}

func (c *conn) start() {
	if c.sendsHandshake {
		// Best-effort: a failure here is observed as a read error shortly
		// after and reported as EvDisconnected.
		_, _ = c.nc.Write([]byte{0x00})
	}
	go c.readLoop()
	go c.writeLoop()
}

// Events returns the channel of occurrences on this connection, in order.
func (c *conn) Events() <-chan Event { return c.events }

// Ready is the multiplex.Handle that fires whenever Events() has at least
// one occurrence to drain. The owner re-registers it after each drain.
func (c *conn) Ready() multiplex.Handle { return c.ready }

// TryNext drains one pending event, if any. Callers should loop on this
// after Ready fires, since multiple events may have queued between ticks.
func (c *conn) TryNext() (Event, bool) {
	select {
	case ev := <-c.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Send enqueues data for the write loop, chunking it into ChunkSize pieces
// as it is written. It returns an error if the connection is closed.
func (c *conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("pipe: send on closed connection")
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closed:
		return errors.New("pipe: send on closed connection")
	}
}

// Close tears down the connection; safe to call more than once.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

func (c *conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
		return
	}
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *conn) readLoop() {
	buf := make([]byte, 64*1024)
	firstRead := true
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			c.handleIncoming(data, firstRead)
			firstRead = false
		}
		if err != nil {
			// Queue EvDisconnected even after a local Close, so an owner
			// that closed its own connection still sees the teardown.
			ev := Event{Type: EvDisconnected}
			select {
			case c.events <- ev:
				select {
				case c.ready <- struct{}{}:
				default:
				}
			default:
				c.emit(ev)
			}
			c.Close()
			return
		}
	}
}

// handleIncoming applies handshake stripping (spec §6.3) before delivering
// payload bytes as EvReceived events.
func (c *conn) handleIncoming(data []byte, first bool) {
	if !c.stripHandshake {
		c.emit(Event{Type: EvReceived, Data: data})
		return
	}
	if c.handshakeBroken {
		return // protocol-mismatch: discard silently forever (spec §7)
	}
	if c.handshakeSeen {
		c.emit(Event{Type: EvReceived, Data: data})
		return
	}
	if !first {
		// The first chunk already passed through handleIncoming without a
		// handshake byte, which should have set handshakeBroken already;
		// this is a defensive fallback.
		c.handshakeBroken = true
		return
	}
	idx := bytes.IndexByte(data, 0x00)
	if idx < 0 {
		c.handshakeBroken = true
		return
	}
	c.handshakeSeen = true
	if rest := data[idx+1:]; len(rest) > 0 {
		c.emit(Event{Type: EvReceived, Data: rest})
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			if !c.writeChunked(data) {
				return
			}
			if len(c.sendCh) == 0 {
				c.emit(Event{Type: EvWriteComplete})
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) writeChunked(data []byte) bool {
	for len(data) > 0 {
		n := len(data)
		if n > ChunkSize {
			n = ChunkSize
		}
		if _, err := c.nc.Write(data[:n]); err != nil {
			// readLoop will observe the same failure and emit
			// EvDisconnected; nothing more to do here.
			return false
		}
		data = data[n:]
	}
	return true
}
