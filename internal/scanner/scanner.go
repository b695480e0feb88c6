// Package scanner implements the Scanner of spec §4.11: periodic
// reconciliation of a scan directory's immediate subdirectories against a
// set of running `supervise` child processes, one per service. Grounded in
// the teacher's internal/infrastructure/processmgr.ProcessManager's
// directory-driven process lifecycle, generalized from "one remux process
// per channel" to "one supervise process per service subdirectory", and in
// holla2040-arturo/tools/arturo-supervisor's fsnotify-driven rebuild watch
// for the opportunistic rescan supplement.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pathmutex"
	"github.com/winss-go/winss/internal/procctl"
)

// Infinite disables the periodic rescan timer.
const Infinite = -1

const bookkeepingDir = ".winss-svscan"

const (
	scanTimeoutGroup   = "scanner-rescan"
	watchDebounceGroup = "scanner-watch-debounce"
)

// NewProcess constructs an unstarted process wrapper; overridable in tests.
type NewProcess func(log *zap.Logger) *procctl.Process

type entry struct {
	name    string
	dir     string
	flagged bool
	main    *procctl.Process
	log     *procctl.Process
}

// Scanner is the per-scan-directory reconciliation loop of spec §4.11.
type Scanner struct {
	scanDir       string
	supervisePath string
	rescanMS      int
	maxConcurrent int64

	mux        *multiplex.Multiplexer
	mu         *pathmutex.Mutex
	log        *zap.Logger
	newProcess NewProcess

	entries map[string]*entry

	exiting     bool
	closeOnExit bool

	watcher *fsnotify.Watcher
}

// New constructs a Scanner for scanDir. supervisePath is the path to the
// `supervise` executable spawned for each service. rescanMS is the
// periodic reconciliation period in milliseconds, or Infinite to disable
// it (spec §4.11, §6.1 svscan's `-t`).
func New(scanDir, supervisePath string, rescanMS int, mux *multiplex.Multiplexer, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		scanDir:       scanDir,
		supervisePath: supervisePath,
		rescanMS:      rescanMS,
		maxConcurrent: 8,
		mux:           mux,
		log:           log,
		newProcess:    procctl.New,
		entries:       make(map[string]*entry),
	}
}

// Init acquires the scan-level path mutex, creates the bookkeeping
// subdirectory, and runs the first scan (spec §4.11 Initialization).
func (s *Scanner) Init(m *multiplex.Multiplexer) {
	if _, err := os.Stat(s.scanDir); err != nil {
		s.log.Error("scan directory missing", zap.String("dir", s.scanDir), zap.Error(err))
		m.Stop(111)
		return
	}

	mu, err := pathmutex.New(s.scanDir, "svscan")
	if err != nil {
		s.log.Error("construct scan path mutex", zap.Error(err))
		m.Stop(111)
		return
	}
	s.mu = mu
	if !s.mu.Lock() {
		s.log.Warn("scan directory already supervised by another svscan")
		m.Stop(100)
		return
	}

	if err := os.MkdirAll(filepath.Join(s.scanDir, bookkeepingDir), 0o755); err != nil {
		s.log.Error("create bookkeeping directory", zap.Error(err))
		m.Stop(111)
		return
	}

	s.setupWatch()
	s.Scan(false)
}

// Stop releases the path mutex (spec §3 Ownership) and closes the fsnotify
// watcher, if any.
func (s *Scanner) Stop(m *multiplex.Multiplexer) {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.mu != nil {
		s.mu.Close()
	}
}

// setupWatch arms an opportunistic fsnotify watch on the scan directory: a
// create/rename event schedules a debounced out-of-band Scan(false) on top
// of — never instead of — the timer-driven rescan (enrichment beyond
// spec §4.11, grounded in arturo-supervisor's debounced rebuild watch). A
// failure here is silently tolerated; §4.11 never requires inotify.
func (s *Scanner) setupWatch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug("fsnotify unavailable, falling back to timer-only rescan", zap.Error(err))
		return
	}
	if err := w.Add(s.scanDir); err != nil {
		s.log.Debug("fsnotify watch failed, falling back to timer-only rescan", zap.Error(err))
		w.Close()
		return
	}
	s.watcher = w

	signal := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case signal <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	var cb multiplex.TriggeredFunc
	cb = func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		if m.Stopping() {
			return
		}
		m.RemoveTimeout(watchDebounceGroup)
		m.AddTimeout(100, func(m *multiplex.Multiplexer) {
			s.Scan(false)
		}, watchDebounceGroup)
		m.AddTriggered(signal, cb)
	}
	s.mux.AddTriggered(signal, cb)
	s.mux.AddStop(func(m *multiplex.Multiplexer) {
		m.RemoveTriggered(signal)
		m.RemoveTimeout(watchDebounceGroup)
	})
}

// listServiceDirs enumerates scanDir's immediate subdirectories, excluding
// empty and dot-prefixed names (spec §4.11, GLOSSARY "Scan directory").
func (s *Scanner) listServiceDirs() []string {
	dirEntries, err := os.ReadDir(s.scanDir)
	if err != nil {
		s.log.Warn("read scan directory", zap.Error(err))
		return nil
	}
	var names []string
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if name == "" || name[0] == '.' {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Scan reconciles the scan directory's current subdirectories against
// known service entries (spec §4.11). timeout distinguishes a periodic
// timer tick from an explicit svscanctl -a / initial call.
func (s *Scanner) Scan(timeout bool) {
	if s.mu == nil || !s.mu.HasLock() || s.exiting {
		return
	}
	if !timeout {
		s.mux.RemoveTimeout(scanTimeoutGroup)
	}

	for _, e := range s.entries {
		e.flagged = false
	}

	names := s.listServiceDirs()
	toCheck := make([]*entry, 0, len(names))
	for _, name := range names {
		e, ok := s.entries[name]
		if !ok {
			e = &entry{name: name, dir: filepath.Join(s.scanDir, name)}
			s.entries[name] = e
		}
		toCheck = append(toCheck, e)
	}

	// Each entry's Check() is independent (touches only that entry's own
	// fields); bounding spawn fan-out with a semaphore lets a burst of new
	// service directories reconcile within one tick without serializing
	// every fork/exec behind the previous one.
	sem := semaphore.NewWeighted(s.maxConcurrent)
	var wg sync.WaitGroup
	for _, e := range toCheck {
		e := e
		if err := sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			s.check(e)
		}()
	}
	wg.Wait()

	if s.rescanMS > 0 && s.rescanMS != Infinite {
		s.mux.AddTimeout(s.rescanMS, func(m *multiplex.Multiplexer) { s.Scan(true) }, scanTimeoutGroup)
	}
}

// check re-spawns a service entry's supervisor(s) if not already running,
// and flags it as seen this cycle (spec §4.11 "Service entry Check()").
func (s *Scanner) check(e *entry) {
	if e.main != nil && e.main.IsActive() {
		e.flagged = true
		return
	}

	logDir := filepath.Join(e.dir, "log")
	if info, err := os.Stat(logDir); err == nil && info.IsDir() {
		s.spawnWithLog(e, logDir)
	} else {
		s.spawnPlain(e)
	}
	e.flagged = true
}

func (s *Scanner) spawnPlain(e *entry) {
	p := s.newProcess(s.log)
	err := p.Create(procctl.Params{
		Argv:            []string{s.supervisePath, e.dir},
		NewProcessGroup: true,
	})
	if err != nil {
		s.log.Warn("spawn supervisor", zap.String("service", e.name), zap.Error(err))
		return
	}
	e.main = p
}

func (s *Scanner) spawnWithLog(e *entry, logDir string) {
	r, w, err := os.Pipe()
	if err != nil {
		s.log.Warn("create log pipe", zap.String("service", e.name), zap.Error(err))
		return
	}
	defer r.Close()
	defer w.Close()

	// Both halves of a log pair share a correlation id so their log lines
	// can be traced back to the same reconciliation cycle even though they
	// are separate *procctl.Process instances.
	pairID := uuid.New().String()
	pairLog := s.log.With(zap.String("log_pair", pairID))

	logProc := s.newProcess(pairLog)
	if err := logProc.Create(procctl.Params{
		Argv:            []string{s.supervisePath, logDir},
		Stdin:           r,
		NewProcessGroup: true,
	}); err != nil {
		s.log.Warn("spawn log supervisor", zap.String("service", e.name), zap.Error(err))
		return
	}

	mainProc := s.newProcess(pairLog)
	if err := mainProc.Create(procctl.Params{
		Argv:            []string{s.supervisePath, e.dir},
		Stdout:          w,
		Stderr:          w,
		NewProcessGroup: true,
	}); err != nil {
		s.log.Warn("spawn supervisor", zap.String("service", e.name), zap.Error(err))
		_ = logProc.SendBreak()
		logProc.Close()
		return
	}

	e.log = logProc
	e.main = mainProc
}

// CloseAllServices closes every entry not currently flagged, or every
// entry regardless of flag when ignoreFlagged is true (spec §4.11).
func (s *Scanner) CloseAllServices(ignoreFlagged bool) {
	for _, e := range s.entries {
		if !ignoreFlagged && e.flagged {
			continue
		}
		if e.main != nil {
			_ = e.main.SendBreak()
			e.main.Close()
			e.main = nil
		}
		if e.log != nil {
			_ = e.log.SendBreak()
			e.log.Close()
			e.log = nil
		}
		e.flagged = false
	}
}

// Exit requests a clean shutdown (spec §4.11). closeServices selects
// whether the stop callback tears down every managed service first.
func (s *Scanner) Exit(closeServices bool) {
	s.closeOnExit = closeServices
	s.mux.Stop(0)
}

// registerExit wires the stop callback described in spec §4.11 Exit: cancel
// the rescan timer, mark exiting, optionally close every service, then run
// the bookkeeping finish script if present.
func (s *Scanner) registerExit(mux *multiplex.Multiplexer) {
	mux.AddStop(func(m *multiplex.Multiplexer) {
		m.RemoveTimeout(scanTimeoutGroup)
		s.exiting = true
		if s.closeOnExit {
			s.CloseAllServices(true)
		}

		finishPath := filepath.Join(s.scanDir, bookkeepingDir, "finish")
		if info, err := os.Stat(finishPath); err != nil || info.IsDir() {
			return
		}
		p := s.newProcess(s.log)
		_ = p.Create(procctl.Params{
			Argv: []string{finishPath},
			Dir:  filepath.Join(s.scanDir, bookkeepingDir),
		})
	})
}

// Register wires mux's init/stop participation for this Scanner.
func (s *Scanner) Register(mux *multiplex.Multiplexer) {
	mux.AddInit(s.Init)
	mux.AddStop(s.Stop)
	s.registerExit(mux)
}

