package control

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

// stubReceiveListener records every byte delivered to it as an InboundServer
// command listener, used to observe what an OutboundControlItem sent.
type stubReceiveListener struct {
	received chan byte
}

func (s *stubReceiveListener) Connected()    {}
func (s *stubReceiveListener) Disconnected() {}
func (s *stubReceiveListener) Received(data []byte) bool {
	for _, b := range data {
		s.received <- b
	}
	return true
}

func newTargetPair(t *testing.T) (outPath, inPath string, srv *pipe.OutboundServer, cmdRecv *stubReceiveListener, mux *multiplex.Multiplexer) {
	t.Helper()
	dir := t.TempDir()
	outPath = filepath.Join(dir, "out.sock")
	inPath = filepath.Join(dir, "in.sock")

	mux = multiplex.New()
	var err error
	srv, err = pipe.ListenOutbound(outPath, nil)
	if err != nil {
		t.Fatalf("ListenOutbound: %v", err)
	}
	srv.Register(mux)

	cmdRecv = &stubReceiveListener{received: make(chan byte, 8)}
	inSrv, err := pipe.ListenInbound(inPath, cmdRecv)
	if err != nil {
		t.Fatalf("ListenInbound: %v", err)
	}
	inSrv.Register(mux)

	go mux.Start()
	return
}

func TestOutboundControlItemSendsCommandsAndCompletes(t *testing.T) {
	_, inPath, _, cmdRecv, targetMux := newTargetPair(t)
	defer targetMux.Stop(0)

	clientMux := multiplex.New()
	r := New(clientMux, true, Infinite, DefaultTimeoutExitCode)
	r.Add(NewOutboundControlItem("svc1", inPath, []byte{byte(wire.CmdUp)}))

	done := make(chan int, 1)
	go func() {
		code, _ := r.Start()
		done <- code
	}()

	select {
	case b := <-cmdRecv.received:
		if b != byte(wire.CmdUp) {
			t.Fatalf("got command %q, want up", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("target never received command")
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("rendezvous exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rendezvous never completed")
	}
}

func TestInboundControlItemWaitUpAlreadySatisfiedCompletesImmediately(t *testing.T) {
	svcDir := t.TempDir()
	now := time.Now()
	state := wire.NewServiceState(now, false)
	state.IsUp = true
	state.IsRunProcess = true
	state.Pid = 1234
	if err := wire.WriteState(wire.StatePath(svcDir), state); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	outPath, _, targetSrv, _, targetMux := newTargetPair(t)
	defer targetMux.Stop(0)
	_ = targetSrv

	clientMux := multiplex.New()
	r := New(clientMux, true, Infinite, DefaultTimeoutExitCode)
	listener := NewWaitListener(WaitUp)
	r.Add(NewInboundControlItem("svc1", outPath, svcDir, listener))

	done := make(chan int, 1)
	go func() {
		code, _ := r.Start()
		done <- code
	}()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("rendezvous exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rendezvous never completed for already-satisfied wait-up")
	}
}

func TestInboundControlItemWaitUpBlocksUntilRunNotification(t *testing.T) {
	svcDir := t.TempDir()
	state := wire.NewServiceState(time.Now(), false)
	if err := wire.WriteState(wire.StatePath(svcDir), state); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	outPath, _, targetSrv, _, targetMux := newTargetPair(t)
	defer targetMux.Stop(0)

	clientMux := multiplex.New()
	r := New(clientMux, true, Infinite, DefaultTimeoutExitCode)
	listener := NewWaitListener(WaitUp)
	r.Add(NewInboundControlItem("svc1", outPath, svcDir, listener))

	done := make(chan int, 1)
	go func() {
		code, _ := r.Start()
		done <- code
	}()

	select {
	case code := <-done:
		t.Fatalf("rendezvous completed early with code %d before Run was sent", code)
	case <-time.After(300 * time.Millisecond):
	}

	targetSrv.Send([]byte{byte(wire.Run)})

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("rendezvous exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rendezvous never completed after Run notification")
	}
}

func TestRendezvousOrModeStopsOnFirstCompletion(t *testing.T) {
	svcDir := t.TempDir()
	state := wire.NewServiceState(time.Now(), false)
	state.IsUp = true
	state.IsRunProcess = true
	state.Pid = 99
	if err := wire.WriteState(wire.StatePath(svcDir), state); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	outPathA, _, _, _, muxA := newTargetPair(t)
	defer muxA.Stop(0)
	outPathB, _, _, _, muxB := newTargetPair(t)
	defer muxB.Stop(0)

	clientMux := multiplex.New()
	r := New(clientMux, false, Infinite, DefaultTimeoutExitCode)
	// svcA is already up: its WaitUp item completes immediately.
	r.Add(NewInboundControlItem("svcA", outPathA, svcDir, NewWaitListener(WaitUp)))
	// svcB is never told it's up; in AND mode this would hang forever.
	downDir := t.TempDir()
	r.Add(NewInboundControlItem("svcB", outPathB, downDir, NewWaitListener(WaitUp)))

	done := make(chan int, 1)
	go func() {
		code, _ := r.Start()
		done <- code
	}()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("rendezvous exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OR-mode rendezvous never completed on first item's success")
	}
}

func TestRendezvousTimeoutFiresWhenItemsOutstanding(t *testing.T) {
	downDir := t.TempDir()
	outPath, _, _, _, targetMux := newTargetPair(t)
	defer targetMux.Stop(0)

	clientMux := multiplex.New()
	r := New(clientMux, true, 100, 99)
	r.Add(NewInboundControlItem("svc1", outPath, downDir, NewWaitListener(WaitUp)))

	code, _ := r.Start()
	if code != 99 {
		t.Fatalf("exit code = %d, want 99 (timeout)", code)
	}
}

func TestRendezvousWithNoItemsReturnsZeroWithoutRunning(t *testing.T) {
	clientMux := multiplex.New()
	r := New(clientMux, true, Infinite, DefaultTimeoutExitCode)
	code, err := r.Start()
	if err != nil || code != 0 {
		t.Fatalf("Start() = (%d, %v), want (0, nil)", code, err)
	}
}

func TestWaitListenerQueueSemantics(t *testing.T) {
	l := NewWaitListener(WaitRestart)
	l.Probe(wire.ServiceState{IsUp: true}, true)
	if !l.CanStart() {
		t.Fatal("expected non-empty queue for WaitRestart while up")
	}
	if !l.Received(byte(wire.Finished)) {
		t.Fatal("expected queue still non-empty after Finished, awaiting Run")
	}
	if l.Received(byte(wire.Run)) {
		t.Fatal("expected queue empty after Run")
	}
}

func TestWaitListenerIgnoresHandshakeByte(t *testing.T) {
	l := NewWaitListener(WaitUp)
	l.Probe(wire.ServiceState{}, true)
	if !l.Received(wire.Handshake) {
		t.Fatal("handshake byte must not affect the queue")
	}
	if l.Received(byte(wire.Run)) {
		t.Fatal("expected queue empty after Run")
	}
}
