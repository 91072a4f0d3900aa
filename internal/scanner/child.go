package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// ErrProbeFailed is returned by ScanOne when the driver could not describe
// the identifier. The identifier has been blacklisted.
var ErrProbeFailed = errors.New("probe failed")

// ScanOne probes a single identifier. It runs inside the isolated probe
// process: the identifier is journaled in the sentinel before the driver
// touches it and removed only after the catalog is saved, so a crash in
// between leaves the line for Recover.
func (s *Service) ScanOne(ctx context.Context, identifier, formatName string) error {
	driver, err := s.formats.Lookup(formatName)
	if err != nil {
		return err
	}
	logger := s.logger.With(
		slog.String("identifier", identifier),
		slog.String("format", formatName),
		slog.String("phase", "child"),
	)

	c, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	if err := s.sentinel.Mark(identifier); err != nil {
		return err
	}

	ds, probeErr := driver.Probe(ctx, identifier)
	if probeErr != nil && ctx.Err() != nil {
		// Interrupted, not a verdict on the plugin.
		logger.Warn("probe interrupted", slog.Any("error", probeErr))
		if err := s.sentinel.Done(identifier); err != nil {
			return err
		}
		return ctx.Err()
	}

	if probeErr == nil && len(ds) == 0 {
		probeErr = errors.New("no plugin types found")
	}

	if probeErr == nil {
		now := time.Now().UTC()
		for i := range ds {
			ds[i].LastScanned = now
		}
		if err := c.Replace(formatName, identifier, ds); err != nil {
			if !errors.Is(err, catalog.ErrBlacklisted) {
				return err
			}
			logger.Warn("identifier is blacklisted, descriptors dropped")
		} else {
			logger.Info("plugin described", slog.Int("descriptors", len(ds)))
		}
	} else {
		c.Blacklist(identifier)
		logger.Error("probe failed, blacklisting", slog.Any("error", probeErr))
	}

	// Save with a fresh context so a late signal cannot discard the verdict.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.Save(saveCtx, c); err != nil {
		return fmt.Errorf("saving catalog: %w", err)
	}
	if err := s.sentinel.Done(identifier); err != nil {
		return err
	}

	if probeErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrProbeFailed, identifier, probeErr)
	}
	return nil
}
