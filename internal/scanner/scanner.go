package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/config"
	"github.com/sydlexius/gridserver/internal/event"
	"github.com/sydlexius/gridserver/internal/format"
	"github.com/sydlexius/gridserver/internal/metrics"
	"github.com/sydlexius/gridserver/internal/sentinel"
)

// ErrScanInProgress is returned when an operation needs exclusive use of the
// catalog while a scan holds it.
var ErrScanInProgress = errors.New("scan already in progress")

// Prober runs one isolated probe.
type Prober interface {
	Probe(ctx context.Context, identifier, formatName string) ProbeResult
}

// Service orchestrates crash-safe plugin discovery. Scans, recovery and
// operator edits take the same exclusive flag, so at most one of them writes
// the catalog, identity or sentinel at a time.
type Service struct {
	identity *config.Store
	store    *catalog.Store
	sentinel *sentinel.File
	formats  *format.Registry
	prober   Prober
	logger   *slog.Logger
	eventBus *event.Bus
	skip     format.SkipList

	mu          sync.Mutex
	running     bool
	currentScan *ScanResult

	catMu   sync.RWMutex
	catalog *catalog.Catalog
}

// NewService creates a scanner service.
func NewService(identity *config.Store, store *catalog.Store, sent *sentinel.File, formats *format.Registry, prober Prober, logger *slog.Logger) *Service {
	return &Service{
		identity: identity,
		store:    store,
		sentinel: sent,
		formats:  formats,
		prober:   prober,
		logger:   logger.With(slog.String("component", "scanner")),
	}
}

// SetEventBus sets the event bus for publishing scan events.
func (s *Service) SetEventBus(bus *event.Bus) {
	s.eventBus = bus
}

// SetSkip sets identifier patterns that enumeration ignores.
func (s *Service) SetSkip(skip format.SkipList) {
	s.skip = skip
}

// acquire takes the exclusive flag.
func (s *Service) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether a scan or other exclusive operation is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Recover drains the sentinel left by a crashed probe. Every identifier in it
// is blacklisted and the result persisted before the sentinel is cleared, so
// a crash during recovery repeats recovery instead of losing the lesson. It
// must run before any probe.
func (s *Service) Recover(ctx context.Context) ([]string, error) {
	if !s.acquire() {
		return nil, ErrScanInProgress
	}
	defer s.release()

	ids, err := s.sentinel.Entries()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	c, err := s.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	for _, id := range ids {
		c.Blacklist(id)
		s.logger.Warn("plugin crashed the previous probe, blacklisting",
			slog.String("identifier", id),
			slog.String("phase", "recover"),
		)
	}

	if err := s.store.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("saving catalog: %w", err)
	}
	if err := s.identity.Save(); err != nil {
		return nil, fmt.Errorf("saving identity: %w", err)
	}
	if err := s.sentinel.Clear(); err != nil {
		return nil, err
	}
	s.setCatalog(c)

	for _, id := range ids {
		s.publish(event.PluginBlacklisted, map[string]any{
			"identifier": id,
			"reason":     "crashed",
		})
	}
	return ids, nil
}

// Scan runs one discovery pass in the calling goroutine. A non-empty include
// list restricts probing to exactly those names. A second call while a scan
// is running returns ErrScanInProgress.
func (s *Service) Scan(ctx context.Context, include []string) (*ScanResult, error) {
	result, err := s.begin(include)
	if err != nil {
		return nil, err
	}
	s.runScan(ctx, result)
	return s.Status(), nil
}

// ScanAsync starts a full discovery pass in the background and returns a
// snapshot of its initial state. ctx bounds the background scan.
func (s *Service) ScanAsync(ctx context.Context) (*ScanResult, error) {
	result, err := s.begin(nil)
	if err != nil {
		return nil, err
	}
	snapshot := s.Status()
	go s.runScan(ctx, result)
	return snapshot, nil
}

// AddPlugins scans for the named plugins in the background. fn receives true
// when every name matches a descriptor afterwards. If a scan is already
// running fn(false) is called and ErrScanInProgress returned.
func (s *Service) AddPlugins(ctx context.Context, names []string, fn func(bool)) (*ScanResult, error) {
	if fn == nil {
		fn = func(bool) {}
	}
	result, err := s.begin(slices.Clone(names))
	if err != nil {
		fn(false)
		return nil, err
	}
	snapshot := s.Status()

	go func() {
		s.runScan(ctx, result)

		ok := result.Status == StatusCompleted && s.allPresent(names)
		s.mu.Lock()
		result.AllFound = &ok
		s.mu.Unlock()

		s.publish(event.PluginsAdded, map[string]any{
			"scan_id": result.ID,
			"names":   names,
			"success": ok,
		})
		fn(ok)
	}()
	return snapshot, nil
}

func (s *Service) allPresent(names []string) bool {
	s.catMu.RLock()
	defer s.catMu.RUnlock()
	if s.catalog == nil {
		return false
	}
	for _, name := range names {
		if !s.catalog.HasName(name) {
			return false
		}
	}
	return true
}

// Status returns a snapshot of the current or most recent scan result.
func (s *Service) Status() *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentScan == nil {
		return nil
	}
	snapshot := *s.currentScan
	snapshot.Include = slices.Clone(s.currentScan.Include)
	snapshot.Formats = slices.Clone(s.currentScan.Formats)
	snapshot.PrunedExclusions = slices.Clone(s.currentScan.PrunedExclusions)
	return &snapshot
}

func (s *Service) begin(include []string) (*ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrScanInProgress
	}
	s.running = true
	result := &ScanResult{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Include:   include,
		StartedAt: time.Now().UTC(),
	}
	s.currentScan = result
	return result, nil
}

func (s *Service) runScan(ctx context.Context, result *ScanResult) {
	defer func() {
		s.mu.Lock()
		now := time.Now().UTC()
		result.CompletedAt = &now
		if result.Status == StatusRunning {
			result.Status = StatusCompleted
		}
		s.running = false
		status := result.Status
		s.mu.Unlock()

		metrics.ScansTotal.WithLabelValues(status).Inc()
		s.logger.Info("scan finished",
			slog.String("scan_id", result.ID),
			slog.String("status", status),
			slog.Int("discovered", result.Discovered),
			slog.Int("probed", result.Probed),
			slog.Int("failed", result.Failed),
			slog.Int("timed_out", result.TimedOut),
		)
		s.publish(event.ScanCompleted, map[string]any{
			"scan_id":    result.ID,
			"status":     status,
			"discovered": result.Discovered,
			"probed":     result.Probed,
			"failed":     result.Failed,
			"timed_out":  result.TimedOut,
		})
	}()

	if err := s.scan(ctx, result); err != nil {
		s.mu.Lock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Status = StatusCanceled
		} else {
			result.Status = StatusFailed
		}
		result.Error = err.Error()
		s.mu.Unlock()
		s.logger.Error("scan failed", slog.String("scan_id", result.ID), slog.Any("error", err))
	}
}

func (s *Service) scan(ctx context.Context, result *ScanResult) error {
	drivers := s.formats.Enabled(s.identity.Identity())
	neverSeen := s.identity.Exclusions()

	formats := make([]string, len(drivers))
	for i, d := range drivers {
		formats[i] = d.Name()
	}
	s.mu.Lock()
	result.Formats = formats
	s.mu.Unlock()

	c, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	for _, driver := range drivers {
		ids, err := driver.Enumerate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("enumerating plugins failed",
				slog.String("format", driver.Name()),
				slog.String("phase", "enumerate"),
				slog.Any("error", err),
			)
			continue
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := driver.NameOf(id)
			delete(neverSeen, name)
			if s.skip.Match(id) {
				continue
			}
			s.count(result, func(r *ScanResult) { r.Discovered++ })

			if reason := s.skipReason(driver, c, id, name, result.Include); reason != "" {
				s.logger.Debug("skipping plugin",
					slog.String("identifier", id),
					slog.String("format", driver.Name()),
					slog.String("reason", reason),
				)
				s.count(result, func(r *ScanResult) { r.Skipped++ })
				continue
			}

			s.probe(ctx, driver.Name(), id, result)
		}
	}

	c, err = s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reloading catalog: %w", err)
	}
	c.Sort()

	pruned := s.identity.PruneExclusions(neverSeen)
	if len(pruned) > 0 {
		s.logger.Info("pruned exclusions for plugins no longer installed", slog.Any("names", pruned))
	}
	s.mu.Lock()
	result.PrunedExclusions = pruned
	s.mu.Unlock()

	if err := s.identity.Save(); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	if err := s.store.Save(ctx, c); err != nil {
		return fmt.Errorf("saving catalog: %w", err)
	}
	s.setCatalog(c)
	return nil
}

// skipReason returns why id needs no probe, or "" when it does.
func (s *Service) skipReason(driver format.Driver, c *catalog.Catalog, id, name string, include []string) string {
	if c.IsBlacklisted(id) {
		return "blacklisted"
	}
	if s.ShouldExclude(name, include) {
		return "excluded"
	}
	var known []catalog.Descriptor
	for _, d := range c.ForIdentifier(id) {
		if d.Format == driver.Name() {
			known = append(known, d)
		}
	}
	if len(known) == 0 {
		return ""
	}
	for _, d := range known {
		if driver.NeedsRescan(d) {
			return ""
		}
	}
	return "up to date"
}

func (s *Service) probe(ctx context.Context, formatName, id string, result *ScanResult) {
	logger := s.logger.With(
		slog.String("identifier", id),
		slog.String("format", formatName),
		slog.String("phase", "probe"),
	)
	ctx = slogcontext.NewCtx(ctx, logger)

	logger.Info("probing plugin")
	res := s.prober.Probe(ctx, id, formatName)
	metrics.ProbesTotal.WithLabelValues(formatName, string(res.Outcome)).Inc()

	switch res.Outcome {
	case OutcomeOK:
		s.count(result, func(r *ScanResult) { r.Probed++ })
		logger.Info("probe succeeded", slog.Duration("duration", res.Duration))
	case OutcomeTimedOut:
		s.count(result, func(r *ScanResult) { r.TimedOut++ })
		logger.Error("probe timed out, child killed", slog.Duration("duration", res.Duration))
	case OutcomeCanceled:
		// The child was stopped by us, not by the plugin. A line it left
		// behind must not turn into a blacklist entry at the next Recover.
		if err := s.sentinel.Done(id); err != nil {
			logger.Error("clearing sentinel after canceled probe", slog.Any("error", err))
		}
		logger.Warn("probe canceled, sentinel cleared")
	default:
		s.count(result, func(r *ScanResult) { r.Failed++ })
		logger.Error("probe failed",
			slog.String("outcome", string(res.Outcome)),
			slog.Int("exit_code", res.ExitCode),
			slog.Any("error", res.Err),
		)
	}
}

func (s *Service) count(result *ScanResult, fn func(*ScanResult)) {
	s.mu.Lock()
	fn(result)
	s.mu.Unlock()
}

// ShouldExclude applies the exclusion policy with the persisted exclusion set.
func (s *Service) ShouldExclude(name string, include []string) bool {
	return ShouldExclude(name, include, s.identity.Exclusions())
}

// SetExcluded adds or removes name from the persisted exclusion set. It
// reports whether the set changed.
func (s *Service) SetExcluded(name string, excluded bool) (bool, error) {
	if !s.acquire() {
		return false, ErrScanInProgress
	}
	defer s.release()

	var changed bool
	if excluded {
		changed = s.identity.AddExclusion(name)
	} else {
		changed = s.identity.RemoveExclusion(name)
	}
	if !changed {
		return false, nil
	}
	if err := s.identity.Save(); err != nil {
		return true, fmt.Errorf("saving identity: %w", err)
	}
	return true, nil
}

// Unblacklist removes identifier from the blacklist so the next scan probes
// it again. It reports whether the identifier was blacklisted.
func (s *Service) Unblacklist(ctx context.Context, identifier string) (bool, error) {
	if !s.acquire() {
		return false, ErrScanInProgress
	}
	defer s.release()

	c, err := s.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("loading catalog: %w", err)
	}
	if !c.Unblacklist(identifier) {
		return false, nil
	}
	if err := s.store.Save(ctx, c); err != nil {
		return false, fmt.Errorf("saving catalog: %w", err)
	}
	s.setCatalog(c)
	s.logger.Info("identifier removed from blacklist", slog.String("identifier", identifier))
	return true, nil
}

// Catalog returns a copy of the catalog as of the last completed operation.
func (s *Service) Catalog() *catalog.Catalog {
	s.catMu.RLock()
	defer s.catMu.RUnlock()
	if s.catalog == nil {
		return catalog.New()
	}
	return s.catalog.Clone()
}

// Release drops the in-memory catalog. Nothing is persisted.
func (s *Service) Release() {
	s.catMu.Lock()
	defer s.catMu.Unlock()
	if s.catalog != nil {
		s.catalog.Clear()
	}
	s.catalog = nil
	metrics.CatalogSize.Set(0)
}

func (s *Service) setCatalog(c *catalog.Catalog) {
	s.catMu.Lock()
	s.catalog = c
	s.catMu.Unlock()
	metrics.CatalogSize.Set(float64(c.Len()))
	metrics.BlacklistSize.Set(float64(len(c.Blacklisted())))
}

func (s *Service) publish(t event.Type, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.Event{Type: t, Data: data})
}
