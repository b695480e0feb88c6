package procctl

import (
	"testing"
	"time"
)

func TestCreateAndReapExitCode(t *testing.T) {
	p := New(nil)
	if err := p.Create(Params{Argv: []string{"sh", "-c", "exit 7"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case <-p.GetHandle():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit in time")
	}

	if code := p.GetExitCode(); code != 7 {
		t.Fatalf("GetExitCode = %d, want 7", code)
	}
	if p.IsActive() {
		t.Fatal("IsActive true after reap")
	}
}

func TestGetExitCodeIsStillActiveBeforeReap(t *testing.T) {
	p := New(nil)
	if err := p.Create(Params{Argv: []string{"sleep", "5"}, NewProcessGroup: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Terminate()

	if code := p.GetExitCode(); code != StillActive {
		t.Fatalf("GetExitCode = %d, want StillActive", code)
	}
	if !p.IsActive() {
		t.Fatal("IsActive false while process should still be running")
	}
}

func TestTerminateKillsProcessGroup(t *testing.T) {
	p := New(nil)
	if err := p.Create(Params{Argv: []string{"sleep", "30"}, NewProcessGroup: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case <-p.GetHandle():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after Terminate")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	p := New(nil)
	if err := p.Create(Params{Argv: []string{"true"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	<-p.GetHandle()
	if err := p.Create(Params{Argv: []string{"true"}}); err == nil {
		t.Fatal("second Create should have failed")
	}
}
