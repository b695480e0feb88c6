// Command svscanctl sends a single scanner command (spec §4.12) to a
// running svscan's command pipe.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/cliutil"
	"github.com/winss-go/winss/internal/control"
	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

func main() {
	verbosity := cliutil.Verbosity()
	alarm := flag.Bool("a", false, "alarm: rescan now")
	abort := flag.Bool("b", false, "abort: quit without closing services")
	nuke := flag.Bool("n", false, "nuke: drop services not flagged this cycle")
	quit := flag.Bool("q", false, "quit: close all services, then exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: svscanctl {-a|-b|-n|-q} <scandir>")
	}
	flag.Parse()

	cmd, ok := singleCommand(*alarm, *abort, *nuke, *quit)
	if !ok || flag.NArg() != 1 {
		flag.Usage()
		os.Exit(100)
	}
	scanDir := flag.Arg(0)

	log := cliutil.BuildLogger("svscanctl", *verbosity)
	defer log.Sync()

	path, err := pipe.Name(scanDir, "svscan-in")
	if err != nil {
		log.Error("derive command pipe name", zap.Error(err))
		os.Exit(111)
	}

	mux := multiplex.New()
	r := control.New(mux, true, control.Infinite, control.DefaultTimeoutExitCode)
	r.Add(control.NewOutboundControlItem(scanDir, path, []byte{byte(cmd)}))

	code, err := r.Start()
	if err != nil {
		log.Error("rendezvous stopped with error", zap.Error(err))
	}
	os.Exit(code)
}

func singleCommand(alarm, abort, nuke, quit bool) (wire.ScanCommand, bool) {
	count := 0
	var cmd wire.ScanCommand
	for _, pair := range []struct {
		set bool
		cmd wire.ScanCommand
	}{
		{alarm, wire.ScanAlarm},
		{abort, wire.ScanAbort},
		{nuke, wire.ScanNuke},
		{quit, wire.ScanQuit},
	} {
		if pair.set {
			count++
			cmd = pair.cmd
		}
	}
	return cmd, count == 1
}
