package pipe

import (
	"os"
	"path/filepath"
	"testing"
)

func withRuntimeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := runtimeDir
	runtimeDir = func() string { return dir }
	t.Cleanup(func() { runtimeDir = prev })
	return dir
}

func TestNameIsDeterministicPerServiceDir(t *testing.T) {
	withRuntimeDir(t)
	svcDir := t.TempDir()

	a, err := Name(svcDir, "out")
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	b, err := Name(svcDir, "out")
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if a != b {
		t.Fatalf("Name not deterministic: %s != %s", a, b)
	}

	c, err := Name(svcDir, "in")
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if a == c {
		t.Fatal("different suffixes produced the same name")
	}
}

func TestNameDiffersAcrossServiceDirs(t *testing.T) {
	runtime := withRuntimeDir(t)
	dirA := filepath.Join(runtime, "svc-a")
	dirB := filepath.Join(runtime, "svc-b")
	if err := os.MkdirAll(dirA, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dirB, 0o755); err != nil {
		t.Fatal(err)
	}

	a, err := Name(dirA, "out")
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	b, err := Name(dirB, "out")
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if a == b {
		t.Fatal("different service dirs produced the same socket name")
	}
}
