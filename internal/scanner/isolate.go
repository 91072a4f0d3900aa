package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

// ScanDirective is the first argument of an isolated probe invocation:
// <exe> -scan <identifier>|<format>.
const ScanDirective = "-scan"

// DefaultProbeTimeout bounds a single probe child.
const DefaultProbeTimeout = 30 * time.Second

// ProcessProber probes each identifier in a fresh child process so a plugin
// that crashes or hangs takes down only the child. The parent only observes
// the exit status; the child writes the catalog and the sentinel itself.
type ProcessProber struct {
	Executable string
	// Args are prepended to the scan directive, for test binaries.
	Args    []string
	Env     []string
	Timeout time.Duration
	// Output receives the child's stdout and stderr.
	Output io.Writer
}

// NewProcessProber returns a prober re-executing the running binary.
func NewProcessProber(timeout time.Duration, output io.Writer) (*ProcessProber, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &ProcessProber{
		Executable: exe,
		Timeout:    timeout,
		Output:     output,
	}, nil
}

// ScanArg joins an identifier and format into the probe argument.
func ScanArg(identifier, formatName string) string {
	return identifier + "|" + formatName
}

// ParseScanArg splits a probe argument. Identifiers are paths and may
// contain '|', format names never do, so the last separator wins.
func ParseScanArg(arg string) (identifier, formatName string, err error) {
	i := strings.LastIndexByte(arg, '|')
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("malformed scan argument %q", arg)
	}
	return arg[:i], arg[i+1:], nil
}

// Probe runs one child and classifies how it ended.
func (p *ProcessProber) Probe(ctx context.Context, identifier, formatName string) ProbeResult {
	logger := slogcontext.FromCtx(ctx)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, p.Args...), ScanDirective, ScanArg(identifier, formatName))
	cmd := exec.CommandContext(probeCtx, p.Executable, args...)
	if p.Env != nil {
		cmd.Env = p.Env
	}
	if p.Output != nil {
		cmd.Stdout = p.Output
		cmd.Stderr = p.Output
	}
	isolate(ctx, cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ProbeResult{Outcome: OutcomeStartFailed, ExitCode: -1, Err: err}
	}
	logger.Debug("probe child started", slog.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	res := ProbeResult{Duration: time.Since(start), Err: err}

	switch {
	case errors.Is(probeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Outcome = OutcomeTimedOut
		res.ExitCode = -1
	case ctx.Err() != nil:
		res.Outcome = OutcomeCanceled
		res.ExitCode = -1
	case err == nil:
		res.Outcome = OutcomeOK
	default:
		res.Outcome = OutcomeFailed
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res
}
