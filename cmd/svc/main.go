// Command svc sends one or more supervisor commands (spec §6.3) to a
// single service directory, optionally waiting for a resulting state
// transition (spec §4.10). Unlike the other five executables, its flags
// are parsed by hand rather than with the stdlib `flag` package: spec §6.1
// requires that `-u -o -O -d -k -t -x` be applied in the exact order the
// caller wrote them, which flag.Bool's "last one wins, order discarded"
// model cannot express.
package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/cliutil"
	"github.com/winss-go/winss/internal/control"
	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: svc {-u|-o|-O|-d|-k|-t|-x}... [-w{d|D|u|r}] [-T <ms>] [-v[<n>]] <servicedir>")
}

type parsedArgs struct {
	commands  []byte
	wait      control.WaitAction
	haveWait  bool
	timeoutMS int
	verbosity int
	dir       string
}

func parseArgs(args []string) (parsedArgs, error) {
	p := parsedArgs{timeoutMS: control.Infinite}
	var dirs []string

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch a {
		case "-u":
			p.commands = append(p.commands, byte(wire.CmdUp))
		case "-o":
			p.commands = append(p.commands, byte(wire.CmdOnce))
		case "-O":
			p.commands = append(p.commands, byte(wire.CmdOnceAtMost))
		case "-d":
			p.commands = append(p.commands, byte(wire.CmdDown))
		case "-k":
			p.commands = append(p.commands, byte(wire.CmdKill))
		case "-t":
			p.commands = append(p.commands, byte(wire.CmdTerm))
		case "-x":
			p.commands = append(p.commands, byte(wire.CmdExit))
		case "-wu":
			p.wait, p.haveWait = control.WaitUp, true
		case "-wd":
			p.wait, p.haveWait = control.WaitDown, true
		case "-wD":
			p.wait, p.haveWait = control.WaitFinished, true
		case "-wr":
			p.wait, p.haveWait = control.WaitRestart, true
		case "-T":
			i++
			if i >= len(args) {
				return p, fmt.Errorf("-T requires a value")
			}
			ms, err := strconv.Atoi(args[i])
			if err != nil {
				return p, fmt.Errorf("-T: %w", err)
			}
			p.timeoutMS = ms
		case "-v":
			p.verbosity = 1
		default:
			switch {
			case len(a) >= 2 && a[0] == '-' && a[1] == 'v':
				n, err := strconv.Atoi(a[2:])
				if err != nil {
					return p, fmt.Errorf("bad verbosity flag %q", a)
				}
				p.verbosity = n
			case len(a) > 0 && a[0] == '-':
				return p, fmt.Errorf("unrecognized flag %q", a)
			default:
				dirs = append(dirs, a)
			}
		}
	}

	if len(dirs) != 1 {
		return p, fmt.Errorf("expected exactly one servicedir, got %d", len(dirs))
	}
	p.dir = dirs[0]
	if len(p.commands) == 0 && !p.haveWait {
		return p, fmt.Errorf("no commands or wait action given")
	}
	return p, nil
}

func main() {
	p, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(100)
	}

	log := cliutil.BuildLogger("svc", p.verbosity)
	defer log.Sync()

	mux := multiplex.New()
	r := control.New(mux, true, p.timeoutMS, control.DefaultTimeoutExitCode)

	if len(p.commands) > 0 {
		inPath, err := pipe.Name(p.dir, "in")
		if err != nil {
			log.Error("derive command pipe name", zap.Error(err))
			os.Exit(111)
		}
		r.Add(control.NewOutboundControlItem(p.dir+":cmd", inPath, p.commands))
	}

	if p.haveWait {
		outPath, err := pipe.Name(p.dir, "out")
		if err != nil {
			log.Error("derive notification pipe name", zap.Error(err))
			os.Exit(111)
		}
		listener := control.NewWaitListener(p.wait)
		r.Add(control.NewInboundControlItem(p.dir+":wait", outPath, p.dir, listener))
	}

	code, err := r.Start()
	if err != nil {
		log.Error("rendezvous stopped with error", zap.Error(err))
	}
	os.Exit(code)
}
