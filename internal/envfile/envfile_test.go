package envfile

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestComposeAppliesOverridesAndRemovals(t *testing.T) {
	t.Setenv("WINSS_TEST_KEEP", "kept")
	t.Setenv("WINSS_TEST_REMOVE", "will-be-removed")

	dir := t.TempDir()
	writeFile(t, dir, "WINSS_TEST_ADDED", "added-value")
	writeFile(t, dir, "WINSS_TEST_REMOVE", "")
	writeFile(t, dir, ".hidden", "skip-me")
	writeFile(t, dir, "BAD=NAME", "skip-me-too")

	env, err := Compose(dir)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	m := toMap(env)
	if m["WINSS_TEST_KEEP"] != "kept" {
		t.Errorf("WINSS_TEST_KEEP = %q, want kept", m["WINSS_TEST_KEEP"])
	}
	if m["WINSS_TEST_ADDED"] != "added-value" {
		t.Errorf("WINSS_TEST_ADDED = %q, want added-value", m["WINSS_TEST_ADDED"])
	}
	if _, ok := m["WINSS_TEST_REMOVE"]; ok {
		t.Error("WINSS_TEST_REMOVE should have been removed by the empty override file")
	}
	if _, ok := m[".hidden"]; ok {
		t.Error("dot-prefixed file should have been skipped")
	}
}

func TestComposeExpandsReferences(t *testing.T) {
	t.Setenv("WINSS_TEST_BASE", "base-value")
	dir := t.TempDir()
	writeFile(t, dir, "WINSS_TEST_DERIVED", "prefix-${WINSS_TEST_BASE}-suffix")

	env, err := Compose(dir)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	m := toMap(env)
	want := "prefix-base-value-suffix"
	if m["WINSS_TEST_DERIVED"] != want {
		t.Errorf("WINSS_TEST_DERIVED = %q, want %q", m["WINSS_TEST_DERIVED"], want)
	}
}

func TestComposeWithEmptyDirReturnsProcessEnv(t *testing.T) {
	t.Setenv("WINSS_TEST_ONLY", "x")
	env, err := Compose("")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if toMap(env)["WINSS_TEST_ONLY"] != "x" {
		t.Fatal("expected process environment to pass through unmodified")
	}
}

func toMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
