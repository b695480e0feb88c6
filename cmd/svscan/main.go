// Command svscan runs one Scanner (spec §4.11) over a scan directory,
// reconciling its immediate subdirectories against running `supervise`
// children, and exposes a scanner-command inbound pipe (spec §4.12).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/cliutil"
	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/scanner"
)

const defaultRescanMS = 5000

func main() {
	verbosity := cliutil.Verbosity()
	rescan := flag.Int("t", defaultRescanMS, "rescan period in milliseconds")
	diverted := flag.Bool("s", false, "divert console signals to a clean Exit(true)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: svscan [-t <ms>] [-s] [<scandir>]")
	}
	flag.Parse()

	scanDir := "."
	switch flag.NArg() {
	case 0:
	case 1:
		scanDir = flag.Arg(0)
	default:
		flag.Usage()
		os.Exit(100)
	}

	log := cliutil.BuildLogger("svscan", *verbosity)
	defer log.Sync()

	supervisePath, err := resolveSupervisePath()
	if err != nil {
		log.Error("locate supervise executable", zap.Error(err))
		os.Exit(111)
	}

	mux := multiplex.New()
	scn := scanner.New(scanDir, supervisePath, *rescan, mux, log.Named("scan"))
	scn.Register(mux)

	inPath, err := pipe.Name(scanDir, "svscan-in")
	if err != nil {
		log.Error("derive command pipe name", zap.Error(err))
		os.Exit(111)
	}
	ctrl := scanner.NewController(scn, log.Named("control"))
	in, err := pipe.ListenInbound(inPath, ctrl)
	if err != nil {
		log.Error("listen command pipe", zap.Error(err))
		os.Exit(111)
	}
	defer in.Close()
	in.Register(mux)

	if *diverted {
		divertSignals(mux, scn)
	}

	code, err := mux.Start()
	if err != nil {
		log.Error("multiplexer stopped with error", zap.Error(err))
	}
	os.Exit(code)
}

// resolveSupervisePath finds the `supervise` binary alongside this one, the
// usual install layout for this suite's executables, falling back to PATH.
func resolveSupervisePath() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), "supervise")
		if info, statErr := os.Stat(sibling); statErr == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	return exec.LookPath("supervise")
}

// divertSignals arms the scanner's clean-shutdown path on SIGINT/SIGTERM
// (spec §6.1 svscan `-s`), the POSIX analogue of diverting console-control
// events.
func divertSignals(mux *multiplex.Multiplexer, scn *scanner.Scanner) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	handle := make(chan struct{}, 1)
	go func() {
		for range sigCh {
			select {
			case handle <- struct{}{}:
			default:
			}
		}
	}()

	mux.AddTriggered(handle, func(m *multiplex.Multiplexer, _ multiplex.Handle) {
		scn.Exit(true)
	})
}
