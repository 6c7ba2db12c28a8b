package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sheerbytes/safesend/internal/cli/receiver"
	"github.com/sheerbytes/safesend/internal/cli/sender"
	"github.com/sheerbytes/safesend/internal/termio"
)

const version = "v0.1.0"

func main() {
	code := run(os.Args[1:])
	termio.Flush()
	os.Exit(code)
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(termio.Stderr())
		return 2
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), "safesend", version)
		return 0
	}

	switch args[0] {
	case "send":
		return sender.Run(args[1:])
	case "recv", "receive":
		return receiver.Run(args[1:])
	default:
		if hasHelpFlag(args[:1]) {
			printUsage(termio.Stdout())
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", args[0])
		printUsage(termio.Stderr())
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: safesend <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  recv  accept files, scan them and route them to received/ or quarantine/")
	fmt.Fprintln(w, "  send  send one file, resuming where the receiver left off")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  safesend recv -data-dir ./data")
	fmt.Fprintln(w, "  safesend send -host 10.0.0.5 -file ./report.pdf")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  safesend recv --help")
	fmt.Fprintln(w, "  safesend send --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" || arg == "help" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" || arg == "version" {
			return true
		}
	}
	return false
}
