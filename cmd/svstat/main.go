// Command svstat reads a service's persisted state file and prints the
// formatted status line of spec §4.8.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/winss-go/winss/internal/cliutil"
	"github.com/winss-go/winss/internal/pathmutex"
	"github.com/winss-go/winss/internal/wire"
)

func main() {
	verbosity := cliutil.Verbosity()
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: svstat <servicedir>")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(100)
	}
	dir := flag.Arg(0)

	log := cliutil.BuildLogger("svstat", *verbosity)
	defer log.Sync()

	mu, err := pathmutex.New(dir, "supervise")
	if err != nil {
		fmt.Fprintln(os.Stderr, "svstat: ", err)
		os.Exit(111)
	}
	running := !mu.CanLock()

	state, _ := wire.ReadState(wire.StatePath(dir))
	fmt.Println(wire.FormatState(state, running))

	if running {
		os.Exit(0)
	}
	os.Exit(1)
}
