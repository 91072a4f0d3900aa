// Package backup snapshots the catalog database. The blacklist in it is
// learned from crashes and cannot be rebuilt by rescanning without crashing
// again, so a snapshot is taken before every crash recovery and optionally
// on a schedule.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const timeLayout = "20060102-150405.000"

// backupPattern matches snapshot filenames: catalog-YYYYMMDD-HHMMSS.mmm.db
var backupPattern = regexp.MustCompile(`^catalog-\d{8}-\d{6}\.\d{3}\.db$`)

// Errors returned by Delete.
var (
	ErrInvalidFilename = errors.New("invalid snapshot filename")
	ErrNotFound        = errors.New("snapshot not found")
)

// Info describes a snapshot file.
type Info struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Service manages catalog snapshots in one directory.
type Service struct {
	db        *sql.DB
	backupDir string
	retention int
	logger    *slog.Logger
}

// NewService creates a backup service keeping at most retention snapshots.
// A retention below one keeps one.
func NewService(db *sql.DB, backupDir string, retention int, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		backupDir: backupDir,
		retention: max(retention, 1),
		logger:    logger.With(slog.String("component", "backup")),
	}
}

// Backup writes a consistent snapshot with VACUUM INTO and prunes old ones.
func (s *Service) Backup(ctx context.Context, reason string) (*Info, error) {
	if err := os.MkdirAll(s.backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	now := time.Now().UTC()
	filename := "catalog-" + now.Format(timeLayout) + ".db"
	dest := filepath.Join(s.backupDir, filename)

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return nil, fmt.Errorf("VACUUM INTO: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup file: %w", err)
	}

	s.logger.Info("catalog snapshot written",
		slog.String("filename", filename),
		slog.String("reason", reason),
		slog.Int64("size", info.Size()))

	if err := s.Prune(); err != nil {
		s.logger.Warn("pruning snapshots failed", slog.Any("error", err))
	}
	return &Info{Filename: filename, Size: info.Size(), CreatedAt: now}, nil
}

// List returns snapshots newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if entry.IsDir() || !backupPattern.MatchString(entry.Name()) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), "catalog-"), ".db")
		ts, err := time.Parse(timeLayout, stamp)
		if err != nil {
			ts = fi.ModTime()
		}
		out = append(out, Info{Filename: entry.Name(), Size: fi.Size(), CreatedAt: ts})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Prune deletes snapshots beyond the retention count.
func (s *Service) Prune() error {
	snapshots, err := s.List()
	if err != nil {
		return err
	}
	if len(snapshots) <= s.retention {
		return nil
	}
	for _, b := range snapshots[s.retention:] {
		if err := os.Remove(filepath.Join(s.backupDir, b.Filename)); err != nil {
			s.logger.Warn("failed to remove old snapshot",
				slog.String("filename", b.Filename),
				slog.Any("error", err))
			continue
		}
		s.logger.Debug("pruned old snapshot", slog.String("filename", b.Filename))
	}
	return nil
}

// Delete removes one snapshot by filename.
func (s *Service) Delete(filename string) error {
	if !IsValidFilename(filename) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	if err := os.Remove(filepath.Join(s.backupDir, filename)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("removing snapshot: %w", err)
	}
	s.logger.Info("snapshot deleted", slog.String("filename", filename))
	return nil
}

// StartScheduler takes a snapshot on a fixed interval until ctx is canceled.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("backup scheduler started",
		slog.String("interval", interval.String()),
		slog.Int("retention", s.retention))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Backup(ctx, "scheduled"); err != nil {
				s.logger.Error("scheduled backup failed", slog.Any("error", err))
			}
		}
	}
}

// IsValidFilename reports whether filename names a snapshot and contains no
// path separators.
func IsValidFilename(filename string) bool {
	if strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return false
	}
	return backupPattern.MatchString(filename)
}
