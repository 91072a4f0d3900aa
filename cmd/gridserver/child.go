package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sydlexius/gridserver/internal/format"
	"github.com/sydlexius/gridserver/internal/logging"
	"github.com/sydlexius/gridserver/internal/scanner"
)

// Probe child exit codes.
const (
	exitOK           = 0
	exitProbeFailure = 1
	exitUsage        = 2
)

// runScanChild probes one identifier and returns the process exit code.
// The parent only sees the code; the catalog and sentinel are written here.
func runScanChild(arg string) int {
	identifier, formatName, err := scanner.ParseScanArg(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitUsage
	}

	// The parent captures stdout into its own log stream.
	a, err := openApp(defaultConfigPath(), func(c *logging.Config) { c.FilePath = "" })
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitProbeFailure
	}
	defer a.Close() //nolint:errcheck

	logger := a.logger.With(slog.String("component", "probe"), slog.Int("pid", os.Getpid()))
	svc, err := a.newScanner(nil)
	if err != nil {
		logger.Error("probe setup failed", slog.Any("error", err))
		return exitProbeFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = svc.ScanOne(ctx, identifier, formatName)
	code := childExitCode(err)
	if err != nil {
		logger.Warn("probe failed",
			slog.String("identifier", identifier),
			slog.String("format", formatName),
			slog.Int("exit_code", code),
			slog.Any("error", err),
		)
	}
	return code
}

func childExitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, format.ErrUnknownFormat):
		return exitUsage
	default:
		return exitProbeFailure
	}
}
