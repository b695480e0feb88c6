package pipe

import (
	"net"
	"os"
	"sync"

	"github.com/winss-go/winss/internal/multiplex"
)

// acceptor is the shared accept-loop plumbing for both server flavors:
// Accept() blocks in a background goroutine (there is no overlapped-accept
// primitive on this target), queuing completed connections and signaling
// a Handle the owner registers with the multiplexer (spec §4.2, §9).
type acceptor struct {
	ln      net.Listener
	signal  chan struct{}
	mu      sync.Mutex
	pending []net.Conn
	closed  chan struct{}
}

func newAcceptor(path string) (*acceptor, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	a := &acceptor{ln: ln, signal: make(chan struct{}, 1), closed: make(chan struct{})}
	go a.run()
	return a, nil
}

func (a *acceptor) run() {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.pending = append(a.pending, nc)
		a.mu.Unlock()
		select {
		case a.signal <- struct{}{}:
		default:
		}
	}
}

func (a *acceptor) drain() []net.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending
	a.pending = nil
	return p
}

func (a *acceptor) register(mux *multiplex.Multiplexer, onAccept func([]net.Conn)) {
	var cb multiplex.TriggeredFunc
	cb = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		onAccept(a.drain())
		if m.Stopping() {
			return
		}
		select {
		case <-a.closed:
		default:
			m.AddTriggered(a.signal, cb)
		}
	}
	mux.AddTriggered(a.signal, cb)
}

func (a *acceptor) Close() error {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
	return a.ln.Close()
}

// OutboundServer is the server side of an outbound (notification) pipe
// (spec §4.2): it accepts arbitrarily many clients, writes the handshake
// byte to each, and broadcasts Send data to every connected client.
type OutboundServer struct {
	acc *acceptor

	mu       sync.Mutex
	clients  map[*conn]struct{}
	listener ConnectionListener
}

// ListenOutbound opens the outbound server socket at path.
func ListenOutbound(path string, l ConnectionListener) (*OutboundServer, error) {
	acc, err := newAcceptor(path)
	if err != nil {
		return nil, err
	}
	return &OutboundServer{acc: acc, clients: make(map[*conn]struct{}), listener: l}, nil
}

// Register arms mux to accept connections and dispatch their events.
func (s *OutboundServer) Register(mux *multiplex.Multiplexer) {
	s.acc.register(mux, func(conns []net.Conn) {
		for _, nc := range conns {
			c := newConn(nc, true, false)
			s.mu.Lock()
			s.clients[c] = struct{}{}
			s.mu.Unlock()
			c.start()
			if s.listener != nil {
				s.listener.Connected()
			}
			s.registerClient(mux, c)
		}
	})
	mux.AddStop(func(m *multiplex.Multiplexer) {
		m.RemoveTriggered(s.acc.signal)
		s.mu.Lock()
		for c := range s.clients {
			m.RemoveTriggered(c.Ready())
		}
		s.mu.Unlock()
	})
}

func (s *OutboundServer) registerClient(mux *multiplex.Multiplexer, c *conn) {
	var onEvent multiplex.TriggeredFunc
	onEvent = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		gone := false
		for {
			ev, ok := c.TryNext()
			if !ok {
				break
			}
			switch ev.Type {
			case EvDisconnected:
				gone = true
			case EvReceived, EvWriteComplete:
				// Bytes a client sends and write-drain notifications have
				// no server-side listener contract on the outbound flavor
				// (spec §4.2); only Disconnected matters here.
			}
		}
		if gone {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			if s.listener != nil {
				s.listener.Disconnected()
			}
			return
		}
		if m.Stopping() {
			return
		}
		m.AddTriggered(c.Ready(), onEvent)
	}
	mux.AddTriggered(c.Ready(), onEvent)
}

// Send broadcasts data to every currently connected client.
func (s *OutboundServer) Send(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.Send(data)
	}
}

// ClientCount reports the number of currently connected clients.
func (s *OutboundServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops accepting and tears down every client connection.
func (s *OutboundServer) Close() error {
	err := s.acc.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
	}
	return err
}

// InboundServer is the server side of an inbound (command) pipe (spec
// §4.2): it accepts arbitrarily many clients, writes the handshake byte to
// each, and hands received command bytes to its ReceiveListener.
type InboundServer struct {
	acc *acceptor

	mu       sync.Mutex
	clients  map[*conn]struct{}
	listener ReceiveListener
}

// ListenInbound opens the inbound server socket at path.
func ListenInbound(path string, l ReceiveListener) (*InboundServer, error) {
	acc, err := newAcceptor(path)
	if err != nil {
		return nil, err
	}
	return &InboundServer{acc: acc, clients: make(map[*conn]struct{}), listener: l}, nil
}

// Register arms mux to accept connections and dispatch their events.
func (s *InboundServer) Register(mux *multiplex.Multiplexer) {
	s.acc.register(mux, func(conns []net.Conn) {
		for _, nc := range conns {
			c := newConn(nc, true, false)
			s.mu.Lock()
			s.clients[c] = struct{}{}
			s.mu.Unlock()
			c.start()
			if s.listener != nil {
				s.listener.Connected()
			}
			s.registerClient(mux, c)
		}
	})
	mux.AddStop(func(m *multiplex.Multiplexer) {
		m.RemoveTriggered(s.acc.signal)
		s.mu.Lock()
		for c := range s.clients {
			m.RemoveTriggered(c.Ready())
		}
		s.mu.Unlock()
	})
}

func (s *InboundServer) registerClient(mux *multiplex.Multiplexer, c *conn) {
	keepListening := true
	var onEvent multiplex.TriggeredFunc
	onEvent = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		gone := false
		for {
			ev, ok := c.TryNext()
			if !ok {
				break
			}
			switch ev.Type {
			case EvDisconnected:
				gone = true
			case EvReceived:
				if keepListening && s.listener != nil {
					if !s.listener.Received(ev.Data) {
						keepListening = false
					}
				}
			case EvWriteComplete:
			}
		}
		if gone {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			if s.listener != nil {
				s.listener.Disconnected()
			}
			return
		}
		if m.Stopping() {
			return
		}
		m.AddTriggered(c.Ready(), onEvent)
	}
	mux.AddTriggered(c.Ready(), onEvent)
}

// ClientCount reports the number of currently connected clients.
func (s *InboundServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops accepting and tears down every client connection.
func (s *InboundServer) Close() error {
	err := s.acc.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
	}
	return err
}
