// Command supervise runs one supervisor (spec §4.6) for a single service
// directory, exposing its outbound (notifications) and inbound (commands)
// pipes per spec §4.2/§6.3.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/cliutil"
	"github.com/winss-go/winss/internal/multiplex"
	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/supervise"
)

func main() {
	verbosity := cliutil.Verbosity()
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: supervise <servicedir>")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(100)
	}
	dir := flag.Arg(0)

	log := cliutil.BuildLogger("supervise", *verbosity)
	defer log.Sync()

	outPath, err := pipe.Name(dir, "out")
	if err != nil {
		log.Error("derive outbound pipe name", zap.Error(err))
		os.Exit(111)
	}
	inPath, err := pipe.Name(dir, "in")
	if err != nil {
		log.Error("derive inbound pipe name", zap.Error(err))
		os.Exit(111)
	}

	mux := multiplex.New()
	sup := supervise.New(dir, mux, log.Named("state"))

	out, err := pipe.ListenOutbound(outPath, nil)
	if err != nil {
		log.Error("listen outbound pipe", zap.Error(err))
		os.Exit(111)
	}
	defer out.Close()
	out.Register(mux)

	ctrl := supervise.NewController(sup, out, log.Named("control"))
	ctrl.Attach()

	in, err := pipe.ListenInbound(inPath, ctrl)
	if err != nil {
		log.Error("listen inbound pipe", zap.Error(err))
		os.Exit(111)
	}
	defer in.Close()
	in.Register(mux)

	mux.AddInit(sup.Init)
	mux.AddStop(sup.Stop)

	code, err := mux.Start()
	if err != nil {
		log.Error("multiplexer stopped with error", zap.Error(err))
	}
	os.Exit(code)
}
