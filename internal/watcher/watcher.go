// Package watcher triggers background rescans when plugins are installed or
// removed from a search directory.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/scanner"
)

// DirSource returns the plugin search directories to observe.
type DirSource func() []string

// Service watches plugin search directories for entries appearing and
// disappearing. Directories where fsnotify delivers no events (network
// mounts, some container volumes) are polled instead.
type Service struct {
	scanFn        func(ctx context.Context) error
	dirs          DirSource
	eventBus      *event.Bus
	logger        *slog.Logger
	debounce      time.Duration
	refreshPeriod time.Duration
	pollInterval  time.Duration
	probeCache    *ProbeCache

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watching map[string]bool
	known    map[string]map[string]struct{} // root -> entry names

	pollSnapshots map[string]map[string]struct{}
	lastPoll      map[string]time.Time
}

// NewService creates a watcher. scanFn starts a background scan; it may
// return scanner.ErrScanInProgress, which is logged and otherwise ignored.
func NewService(scanFn func(ctx context.Context) error, dirs DirSource, eventBus *event.Bus, logger *slog.Logger, probeCache *ProbeCache) *Service {
	return &Service{
		scanFn:        scanFn,
		dirs:          dirs,
		eventBus:      eventBus,
		logger:        logger.With(slog.String("component", "plugin-watcher")),
		debounce:      2 * time.Second,
		refreshPeriod: 5 * time.Minute,
		pollInterval:  time.Minute,
		probeCache:    probeCache,
		watching:      make(map[string]bool),
		known:         make(map[string]map[string]struct{}),
		pollSnapshots: make(map[string]map[string]struct{}),
		lastPoll:      make(map[string]time.Time),
	}
}

// SetDebounce overrides the default debounce interval.
func (s *Service) SetDebounce(d time.Duration) {
	if d > 0 {
		s.debounce = d
	}
}

// SetPollInterval overrides how often unwatchable directories are polled.
func (s *Service) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Start blocks until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, running poll-only", slog.Any("error", err))
	} else {
		defer w.Close() //nolint:errcheck
		s.mu.Lock()
		s.watcher = w
		s.mu.Unlock()
	}
	s.refresh()
	s.logger.Info("plugin watcher starting")

	refreshTicker := time.NewTicker(s.refreshPeriod)
	defer refreshTicker.Stop()

	pollTicker := time.NewTicker(s.pollTick())
	defer pollTicker.Stop()

	// Starts stopped; reset on each change so bursts coalesce into one scan.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	scanPending := false
	schedule := func() {
		if !debounceTimer.Stop() {
			select {
			case <-debounceTimer.C:
			default:
			}
		}
		debounceTimer.Reset(s.debounce)
		scanPending = true
	}

	var eventCh <-chan fsnotify.Event
	var errCh <-chan error
	if w != nil {
		eventCh = w.Events
		errCh = w.Errors
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("plugin watcher stopping")
			return

		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if s.handleFSEvent(ev) {
				schedule()
			}

		case err, ok := <-errCh:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", slog.Any("error", err))

		case <-debounceTimer.C:
			if scanPending {
				scanPending = false
				s.triggerScan(ctx)
			}

		case <-pollTicker.C:
			if s.pollDirectories() {
				schedule()
			}

		case <-refreshTicker.C:
			s.refresh()
		}
	}
}

func (s *Service) pollTick() time.Duration {
	if s.pollInterval < time.Minute {
		return s.pollInterval
	}
	return time.Minute
}

func (s *Service) triggerScan(ctx context.Context) {
	s.logger.Info("debounce elapsed, triggering scan")
	err := s.scanFn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, scanner.ErrScanInProgress):
		s.logger.Info("scan already running, skipping watcher rescan")
	default:
		s.logger.Error("scan triggered by plugin watcher failed", slog.Any("error", err))
	}
}

// handleFSEvent reports whether ev changed the set of installed entries.
func (s *Service) handleFSEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}

	// Only direct children of a search directory are plugin entries.
	root := filepath.Dir(ev.Name)
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	s.mu.Lock()
	watched := s.watching[root]
	s.mu.Unlock()
	if !watched {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if _, err := os.Stat(ev.Name); err != nil {
			return false
		}
		s.mu.Lock()
		if s.known[root] == nil {
			s.known[root] = make(map[string]struct{})
		}
		s.known[root][name] = struct{}{}
		s.mu.Unlock()

		s.publishChange(event.PluginDirCreated, root, name)
		return true
	}

	// Remove or Rename: only report entries we knew about.
	s.mu.Lock()
	_, wasKnown := s.known[root][name]
	if wasKnown {
		delete(s.known[root], name)
	}
	s.mu.Unlock()
	if !wasKnown {
		return false
	}
	s.publishChange(event.PluginDirRemoved, root, name)
	return true
}

func (s *Service) publishChange(t event.Type, root, name string) {
	path := filepath.Join(root, name)
	if t == event.PluginDirCreated {
		s.logger.Info("plugin entry added", slog.String("path", path), slog.String("search_dir", root))
	} else {
		s.logger.Warn("plugin entry removed", slog.String("path", path), slog.String("search_dir", root))
	}
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.Event{
		Type: t,
		Data: map[string]any{
			"path":       path,
			"name":       name,
			"search_dir": root,
		},
	})
}

// refresh synchronizes watched and polled directories with the current
// search path list. Directories that do not exist yet are retried on the
// next refresh.
func (s *Service) refresh() {
	watch := make(map[string]bool)
	poll := make(map[string]bool)
	for _, dir := range s.dirs() {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		supported := s.watcher != nil
		if supported && s.probeCache != nil {
			if ok, probed := s.probeCache.Get(dir); probed && !ok {
				supported = false
			}
		}
		if supported {
			watch[dir] = true
		} else {
			poll[dir] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for dir := range s.watching {
		if watch[dir] {
			continue
		}
		if err := s.watcher.Remove(dir); err != nil {
			s.logger.Warn("failed to remove watch", slog.String("path", dir), slog.Any("error", err))
		}
		delete(s.watching, dir)
		delete(s.known, dir)
		s.logger.Info("stopped watching search directory", slog.String("path", dir))
	}
	for dir := range watch {
		if s.watching[dir] {
			continue
		}
		if err := s.watcher.Add(dir); err != nil {
			s.logger.Error("failed to watch search directory", slog.String("path", dir), slog.Any("error", err))
			poll[dir] = true
			continue
		}
		s.watching[dir] = true
		s.known[dir] = readDirSnapshot(dir)
		s.logger.Info("watching search directory", slog.String("path", dir))
	}

	for dir := range s.pollSnapshots {
		if !poll[dir] {
			delete(s.pollSnapshots, dir)
			delete(s.lastPoll, dir)
		}
	}
	for dir := range poll {
		if _, ok := s.pollSnapshots[dir]; ok {
			continue
		}
		if snap := readDirSnapshot(dir); snap != nil {
			s.pollSnapshots[dir] = snap
			s.lastPoll[dir] = time.Now()
			s.logger.Info("polling search directory",
				slog.String("path", dir),
				slog.Int("entries", len(snap)),
				slog.Duration("interval", s.pollInterval),
			)
		}
	}
}

// Watching returns the directories currently watched with fsnotify.
func (s *Service) Watching() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watching))
	for dir := range s.watching {
		out = append(out, dir)
	}
	slices.Sort(out)
	return out
}

// pollDirectories diffs every polled directory that is due. It reports
// whether anything changed.
func (s *Service) pollDirectories() bool {
	s.mu.Lock()
	dirs := make([]string, 0, len(s.pollSnapshots))
	for dir := range s.pollSnapshots {
		dirs = append(dirs, dir)
	}
	s.mu.Unlock()

	changed := false
	now := time.Now()
	for _, dir := range dirs {
		s.mu.Lock()
		last := s.lastPoll[dir]
		old := s.pollSnapshots[dir]
		s.mu.Unlock()
		if now.Sub(last) < s.pollInterval {
			continue
		}

		snap := readDirSnapshot(dir)
		if snap == nil {
			continue
		}
		for name := range snap {
			if _, ok := old[name]; !ok {
				s.publishChange(event.PluginDirCreated, dir, name)
				changed = true
			}
		}
		for name := range old {
			if _, ok := snap[name]; !ok {
				s.publishChange(event.PluginDirRemoved, dir, name)
				changed = true
			}
		}

		s.mu.Lock()
		s.pollSnapshots[dir] = snap
		s.lastPoll[dir] = now
		s.mu.Unlock()
	}
	return changed
}

// readDirSnapshot returns the visible entry names of path, or nil when it
// cannot be read.
func readDirSnapshot(path string) map[string]struct{} {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}
	snap := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		snap[e.Name()] = struct{}{}
	}
	return snap
}
