package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sydlexius/gridserver/internal/scanner"
)

func main() {
	// Probe children are dispatched before the command tree so plugin
	// identifiers are never parsed as flags.
	if len(os.Args) > 1 && os.Args[1] == scanner.ScanDirective {
		if len(os.Args) != 3 {
			fmt.Fprintf(os.Stderr, "usage: %s %s <identifier>|<format>\n", os.Args[0], scanner.ScanDirective)
			os.Exit(exitUsage)
		}
		os.Exit(runScanChild(os.Args[2]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
