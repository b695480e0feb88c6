package pipe

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/winss-go/winss/internal/multiplex"
)

type stubConnListener struct {
	connected    chan struct{}
	disconnected chan struct{}
}

func (s *stubConnListener) Connected() {
	select {
	case s.connected <- struct{}{}:
	default:
	}
}

func (s *stubConnListener) Disconnected() {
	select {
	case s.disconnected <- struct{}{}:
	default:
	}
}

type stubReceiveListener struct {
	stubConnListener
	received chan []byte
	accept   bool
}

func newStubReceiveListener() *stubReceiveListener {
	return &stubReceiveListener{
		stubConnListener: stubConnListener{
			connected:    make(chan struct{}, 4),
			disconnected: make(chan struct{}, 4),
		},
		received: make(chan []byte, 16),
		accept:   true,
	}
}

func (s *stubReceiveListener) Received(data []byte) bool {
	cp := append([]byte(nil), data...)
	select {
	case s.received <- cp:
	default:
	}
	return s.accept
}

func newStubConnListener() *stubConnListener {
	return &stubConnListener{connected: make(chan struct{}, 4), disconnected: make(chan struct{}, 4)}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestOutboundServerBroadcastsToClient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.sock")

	srvListener := newStubConnListener()
	srv, err := ListenOutbound(path, srvListener)
	if err != nil {
		t.Fatalf("ListenOutbound: %v", err)
	}
	defer srv.Close()
	smux := multiplex.New()
	srv.Register(smux)
	go smux.Start()

	clListener := newStubReceiveListener()
	client, err := DialOutbound(path, clListener)
	if err != nil {
		t.Fatalf("DialOutbound: %v", err)
	}
	defer client.Close()
	cmux := multiplex.New()
	client.Register(cmux)
	go cmux.Start()

	waitFor(t, srvListener.connected, "server-side connect")

	srv.Send([]byte("status-changed"))

	select {
	case data := <-clListener.received:
		if string(data) != "status-changed" {
			t.Fatalf("received %q, want %q", data, "status-changed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received broadcast")
	}

	client.Close()
	waitFor(t, srvListener.disconnected, "server-side disconnect")
}

func TestOutboundServerLargePayloadIsChunked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out-large.sock")

	srvListener := newStubConnListener()
	srv, err := ListenOutbound(path, srvListener)
	if err != nil {
		t.Fatalf("ListenOutbound: %v", err)
	}
	defer srv.Close()
	smux := multiplex.New()
	srv.Register(smux)
	go smux.Start()

	clListener := newStubReceiveListener()
	client, err := DialOutbound(path, clListener)
	if err != nil {
		t.Fatalf("DialOutbound: %v", err)
	}
	defer client.Close()
	cmux := multiplex.New()
	client.Register(cmux)
	go cmux.Start()

	waitFor(t, clListener.connected, "client connect")
	waitFor(t, srvListener.connected, "server-side connect")

	payload := make([]byte, ChunkSize*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv.Send(payload)

	got := make([]byte, 0, len(payload))
	deadline := time.After(3 * time.Second)
	for len(got) < len(payload) {
		select {
		case chunk := <-clListener.received:
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("timed out assembling payload, got %d/%d bytes", len(got), len(payload))
		}
	}
	if len(got) != len(payload) {
		t.Fatalf("assembled %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestInboundServerReceivesCommandsAndCanDeregister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.sock")

	srvListener := newStubReceiveListener()
	srv, err := ListenInbound(path, srvListener)
	if err != nil {
		t.Fatalf("ListenInbound: %v", err)
	}
	defer srv.Close()
	smux := multiplex.New()
	srv.Register(smux)
	go smux.Start()

	client, err := DialInbound(path, nil)
	if err != nil {
		t.Fatalf("DialInbound: %v", err)
	}
	defer client.Close()
	cmux := multiplex.New()
	client.Register(cmux)
	go cmux.Start()

	waitFor(t, srvListener.connected, "server-side connect")

	if err := client.Send([]byte("u")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-srvListener.received:
		if string(data) != "u" {
			t.Fatalf("received %q, want %q", data, "u")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received command")
	}

	srvListener.accept = false
	if err := client.Send([]byte("d")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-srvListener.received:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received second command")
	}
}
