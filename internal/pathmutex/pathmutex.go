// Package pathmutex implements the system-wide, path-keyed exclusion lock
// of spec §4.3. The source targets a Win32 named mutex; the nearest POSIX
// analogue — and the one this target platform actually offers — is an
// advisory BSD-style file lock (flock) held on a file derived from the
// same content-addressed name as PipeName (spec §3), so a supervisor and
// its client utilities agree on one lock file without coordinating a path
// convention out of band.
package pathmutex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Name mirrors spec §3's PipeName/MutexName derivation: a hex SHA-256 of
// the canonicalized path, with a suffix distinguishing the owning
// component when more than one mutex is rooted at the same directory.
func Name(path, suffix string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathmutex: canonicalize %s: %w", path, err)
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	digest := hex.EncodeToString(sum[:])
	if suffix == "" {
		return digest, nil
	}
	return digest + "_" + suffix, nil
}

// lockDir is where lock files are created; overridable for tests.
var lockDir = func() string {
	if d := os.Getenv("WINSS_LOCK_DIR"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "winss-locks")
}

// Mutex is a non-blocking, per-process-exclusive lock keyed by a
// filesystem path and a suffix (spec §4.3).
type Mutex struct {
	path string // lock file path
	fd   int
	held bool
}

// New constructs a Mutex for dir (a service or scan directory) under
// suffix (e.g. "supervise" or "svscan"). It does not attempt to lock.
func New(dir, suffix string) (*Mutex, error) {
	name, err := Name(dir, suffix)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(lockDir(), 0o755); err != nil {
		return nil, fmt.Errorf("pathmutex: mkdir %s: %w", lockDir(), err)
	}
	return &Mutex{path: filepath.Join(lockDir(), name+".lock")}, nil
}

// Lock is non-blocking: it returns true if this Mutex acquired the lock,
// false if another process (or Mutex instance) already holds it. Calling
// Lock again while already held is a no-op that returns true.
func (m *Mutex) Lock() bool {
	if m.held {
		return true
	}
	fd, err := unix.Open(m.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return false
	}
	m.fd = fd
	m.held = true
	return true
}

// CanLock is a non-destructive predicate: "is this currently unheld by
// anyone". It opens the lock file, attempts a non-blocking exclusive lock,
// then immediately releases and closes — it never leaves the calling
// process holding the lock (spec §4.3).
func (m *Mutex) CanLock() bool {
	if m.held {
		return false
	}
	fd, err := unix.Open(m.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return true
}

// HasLock reports whether this process's Mutex instance currently holds
// the lock.
func (m *Mutex) HasLock() bool { return m.held }

// Unlock releases the lock if held; safe to call on an unheld Mutex.
func (m *Mutex) Unlock() {
	if !m.held {
		return
	}
	_ = unix.Flock(m.fd, unix.LOCK_UN)
	unix.Close(m.fd)
	m.held = false
}

// Close releases the lock (spec §3: "Ownership is released on destruction").
func (m *Mutex) Close() error {
	m.Unlock()
	return nil
}
