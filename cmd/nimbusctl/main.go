// Command nimbusctl inspects a running nimbus server: storage trees, live
// change monitors and the build task queue.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"golang.org/x/term"
)

const usage = `
Usage:
   nimbusctl [-server URL] <ACTION> [ARGS]

 ACTIONs:
   tree  <storage> [-depth N]   print the file tree of a storage
   watch <storage>              stream change notifications
   tasks                        list running and queued build tasks
   abort <task-id>              abort a build task

`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flags := flag.NewFlagSet("nimbusctl", flag.ContinueOnError)
	flags.SetOutput(errOut)
	flags.Usage = func() {
		io.WriteString(flags.Output(), usage)
		flags.PrintDefaults()
	}
	server := flags.String("server", envOr("NIMBUS_URL", "http://localhost:8080"), "nimbus server base URL")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	c := newClient(*server)
	c.styled = isTerminal(out)
	action, rest := flags.Arg(0), flags.Args()[1:]

	var err error
	switch action {
	case "tree":
		err = treeCmd(c, rest, out, errOut)
	case "watch":
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		defer signal.Reset(os.Interrupt)
		err = watchCmd(c, rest, out, interrupt)
	case "tasks":
		err = c.printTasks(out)
	case "abort":
		if len(rest) != 1 {
			err = errors.New("abort needs exactly one task id")
			break
		}
		err = c.abort(rest[0], out)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		fmt.Fprintf(errOut, "%s\nUsage help: nimbusctl -h\n", err)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// isTerminal reports whether w is an interactive terminal, which enables
// escape sequences in the output.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func bold(styled bool, s string) string {
	if !styled {
		return s
	}
	return "\x1B[1m" + s + "\x1B[0m"
}
