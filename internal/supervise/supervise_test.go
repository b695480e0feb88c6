package supervise

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

type notificationListener struct {
	ch chan []byte
}

func (n *notificationListener) Connected()    {}
func (n *notificationListener) Disconnected() {}

// Received splits each read into one-byte notifications, since several
// notification bytes can arrive in a single read.
func (n *notificationListener) Received(data []byte) bool {
	for _, b := range data {
		n.ch <- []byte{b}
	}
	return true
}

// wireHarness wires one Supervisor to a real outbound/inbound pipe pair on
// a single shared multiplexer, the way cmd/supervise does in production.
// The Supervisor's Init is held back until dialNotifications has a client
// connected, so that client sees every notification from Start onwards.
type wireHarness struct {
	mux     *multiplex.Multiplexer
	sup     *Supervisor
	out     *pipe.OutboundServer
	in      *pipe.InboundServer
	outPath string
	inPath  string
	begin   chan struct{}
	done    chan int
}

func newHarness(t *testing.T, svcDir string) *wireHarness {
	t.Helper()
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.sock")
	inPath := filepath.Join(dir, "in.sock")

	mux := multiplex.New()
	sup := New(svcDir, mux, nil)

	out, err := pipe.ListenOutbound(outPath, nil)
	if err != nil {
		t.Fatalf("ListenOutbound: %v", err)
	}
	out.Register(mux)

	ctrl := NewController(sup, out, nil)
	ctrl.Attach()

	in, err := pipe.ListenInbound(inPath, ctrl)
	if err != nil {
		t.Fatalf("ListenInbound: %v", err)
	}
	in.Register(mux)

	begin := make(chan struct{})
	mux.AddTriggered(begin, func(m *multiplex.Multiplexer, _ multiplex.Handle) { sup.Init(m) })
	mux.AddStop(sup.Stop)

	h := &wireHarness{mux: mux, sup: sup, out: out, in: in, outPath: outPath, inPath: inPath, begin: begin, done: make(chan int, 1)}
	go func() {
		code, _ := mux.Start()
		h.done <- code
	}()
	return h
}

func (h *wireHarness) dialNotifications(t *testing.T) (*notificationListener, *pipe.OutboundClient) {
	t.Helper()
	l := &notificationListener{ch: make(chan []byte, 32)}
	client, err := pipe.DialOutbound(h.outPath, l)
	if err != nil {
		t.Fatalf("DialOutbound: %v", err)
	}
	cmux := multiplex.New()
	client.Register(cmux)
	go cmux.Start()

	deadline := time.Now().Add(3 * time.Second)
	for h.out.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification client never accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(h.begin)
	return l, client
}

func (h *wireHarness) dialCommands(t *testing.T) *pipe.InboundClient {
	t.Helper()
	client, err := pipe.DialInbound(h.inPath, nil)
	if err != nil {
		t.Fatalf("DialInbound: %v", err)
	}
	cmux := multiplex.New()
	client.Register(cmux)
	go cmux.Start()
	return client
}

func recvByte(t *testing.T, ch <-chan []byte) byte {
	t.Helper()
	select {
	case data := <-ch:
		if len(data) != 1 {
			t.Fatalf("expected single-byte notification, got %q", data)
		}
		return data[0]
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
		return 0
	}
}

func TestSupervisorCrashLoopWithFinishEmitsExpectedNotifications(t *testing.T) {
	svcDir := t.TempDir()
	writeScript(t, svcDir, "run", "exit 7")
	writeScript(t, svcDir, "finish", "exit 0")

	h := newHarness(t, svcDir)
	notifications, notifyClient := h.dialNotifications(t)
	defer notifyClient.Close()

	want := []byte{byte(wire.Start), byte(wire.Run), byte(wire.End), byte(wire.Finished)}
	for i, w := range want {
		if got := recvByte(t, notifications.ch); got != w {
			t.Fatalf("notification %d: got %q, want %q", i, got, w)
		}
	}

	// One full cooldown cycle later, the same cycle repeats.
	for i, w := range want[1:] {
		if got := recvByte(t, notifications.ch); got != w {
			t.Fatalf("second-cycle notification %d: got %q, want %q", i, got, w)
		}
	}
}

func TestSupervisorExitCommandStopsTheLoop(t *testing.T) {
	svcDir := t.TempDir()
	writeScript(t, svcDir, "run", "sleep 5")

	h := newHarness(t, svcDir)
	notifications, notifyClient := h.dialNotifications(t)
	defer notifyClient.Close()

	if got := recvByte(t, notifications.ch); got != byte(wire.Start) {
		t.Fatalf("first notification = %q, want start", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Run) {
		t.Fatalf("second notification = %q, want run", got)
	}

	cmdClient := h.dialCommands(t)
	defer cmdClient.Close()
	if err := cmdClient.Send([]byte{byte(wire.CmdTerm), byte(wire.CmdExit)}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := recvByte(t, notifications.ch); got != byte(wire.End) {
		t.Fatalf("third notification = %q, want end", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Finished) {
		t.Fatalf("fourth notification = %q, want finished", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Exit) {
		t.Fatalf("fifth notification = %q, want exit", got)
	}

	select {
	case code := <-h.done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("multiplexer never stopped after Exit")
	}
}

func TestSupervisorDownStillWorksAfterExitRequested(t *testing.T) {
	svcDir := t.TempDir()
	writeScript(t, svcDir, "run", "sleep 5")

	h := newHarness(t, svcDir)
	notifications, notifyClient := h.dialNotifications(t)
	defer notifyClient.Close()

	if got := recvByte(t, notifications.ch); got != byte(wire.Start) {
		t.Fatalf("first notification = %q, want start", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Run) {
		t.Fatalf("second notification = %q, want run", got)
	}

	cmdClient := h.dialCommands(t)
	defer cmdClient.Close()

	// svc -x: Exit() sets exiting but does not touch an already-running
	// child, since it only steps when down.
	if err := cmdClient.Send([]byte{byte(wire.CmdExit)}); err != nil {
		t.Fatalf("Send Exit: %v", err)
	}

	// A subsequent svc -d must still terminate the child even though
	// exiting is now set; Down is not in the exiting-refusal list (spec
	// §4.6), unlike Up/Once/OnceAtMost/Exit.
	if err := cmdClient.Send([]byte{byte(wire.CmdDown)}); err != nil {
		t.Fatalf("Send Down: %v", err)
	}

	if got := recvByte(t, notifications.ch); got != byte(wire.End) {
		t.Fatalf("third notification = %q, want end", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Finished) {
		t.Fatalf("fourth notification = %q, want finished", got)
	}
	if got := recvByte(t, notifications.ch); got != byte(wire.Exit) {
		t.Fatalf("fifth notification = %q, want exit", got)
	}

	select {
	case code := <-h.done:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("multiplexer never stopped after Down following Exit")
	}
}
