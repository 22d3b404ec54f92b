// Command concoursed is the daemon/CLI entrypoint: it opens an Engine
// over a buffer/database root pair, either running the background
// transfer loop until signaled to stop ("start"), or reporting a
// snapshot of an already-configured environment's state ("status"). The
// subcommand dispatch and os.Exit(code)-at-the-edge shape is trimmed to
// the two subcommands this engine needs.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "start":
		return cmdStart(out, errOut, args[1:])
	case "status":
		return cmdStatus(out, errOut, args[1:])
	case "-h", "--help", "help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "concoursed: unknown command %q\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: concoursed <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start    Open every configured environment and run the transfer loop")
	fmt.Fprintln(w, "  status   Report one environment's current version and exit")
}

// installSignalStop wires SIGINT/SIGTERM to a single-shot stop channel,
// so cmdStart's caller can select on it alongside the engine's own
// lifecycle without importing os/signal itself.
func installSignalStop() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}
