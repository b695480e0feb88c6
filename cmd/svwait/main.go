// Command svwait composes a State-Aware Wait Listener (spec §4.10) per
// service directory given on the command line, behind a Control Rendezvous
// (spec §4.9), and blocks until they are all satisfied (default, AND) or
// until the first one is (with -o, OR).
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
)

func main() {
	verbosity := cliutil.Verbosity()
	up := flag.Bool("u", false, "wait for up")
	down := flag.Bool("d", false, "wait for down")
	finished := flag.Bool("D", false, "wait for finished")
	or := flag.Bool("o", false, "complete on the first satisfied target, not all of them")
	and := flag.Bool("a", false, "complete only once every target is satisfied (default)")
	timeoutMS := flag.Int("T", control.Infinite, "overall wait timeout in milliseconds")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: svwait [-u|-d|-D] [-o|-a] [-T <ms>] <servicedirs>...")
	}
	flag.Parse()

	action, ok := waitAction(*up, *down, *finished)
	if !ok || flag.NArg() == 0 || (*or && *and) {
		flag.Usage()
		os.Exit(100)
	}
	finishAll := !*or

	log := cliutil.BuildLogger("svwait", *verbosity)
	defer log.Sync()

	mux := multiplex.New()
	r := control.New(mux, finishAll, *timeoutMS, control.DefaultTimeoutExitCode)

	var firstDone string
	r.OnItemDone(func(name string) {
		if firstDone == "" {
			firstDone = name
		}
	})

	for _, dir := range flag.Args() {
		outPath, err := pipe.Name(dir, "out")
		if err != nil {
			log.Error("derive notification pipe name", zap.String("dir", dir), zap.Error(err))
			os.Exit(111)
		}
		r.Add(control.NewInboundControlItem(dir, outPath, dir, control.NewWaitListener(action)))
	}

	code, err := r.Start()
	if err != nil {
		log.Error("rendezvous stopped with error", zap.Error(err))
	}
	if !finishAll && firstDone != "" {
		fmt.Println(firstDone)
	}
	os.Exit(code)
}

func waitAction(up, down, finished bool) (control.WaitAction, bool) {
	count := 0
	action := control.WaitUp
	for _, pair := range []struct {
		set    bool
		action control.WaitAction
	}{
		{up, control.WaitUp},
		{down, control.WaitDown},
		{finished, control.WaitFinished},
	} {
		if pair.set {
			count++
			action = pair.action
		}
	}
	if count == 0 {
		return control.WaitUp, true
	}
	return action, count == 1
}
