package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sydlexius/gridserver/internal/filesystem"
)

// Identity is the persisted server identity and feature flags. YAML is a
// superset of JSON, so identity files written as JSON documents load too.
type Identity struct {
	ID                  int      `yaml:"ID" json:"id"`
	Host                string   `yaml:"Host,omitempty" json:"host"`
	AU                  bool     `yaml:"AU" json:"au"`
	VST                 bool     `yaml:"VST" json:"vst3"`
	VST2                bool     `yaml:"VST2" json:"vst2"`
	ScreenQuality       float64  `yaml:"ScreenQuality" json:"screen_quality"`
	ScreenDiffDetection bool     `yaml:"ScreenDiffDetection" json:"screen_diff_detection"`
	ExcludePlugins      []string `yaml:"ExcludePlugins" json:"exclude_plugins"`
}

// DefaultIdentity returns the compiled-in identity used on first run.
func DefaultIdentity() Identity {
	return Identity{
		AU:                  true,
		VST:                 true,
		VST2:                true,
		ScreenQuality:       0.9,
		ScreenDiffDetection: true,
	}
}

// Port returns the client listener port for this identity.
func (i Identity) Port(base int) int {
	return base + i.ID
}

// Store loads and persists the server Identity. The exclusion list is held
// as a set; it is written out sorted.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	identity Identity
	exclude  map[string]struct{}
}

// NewStore creates a store holding the default identity. Call Load to read
// the persisted file.
func NewStore(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger.With(slog.String("component", "identity")),
		exclude: make(map[string]struct{}),
	}
	s.identity = DefaultIdentity()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the identity file. Fields missing from the file keep their
// defaults; a missing file is a first run and not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no identity file, using defaults", slog.String("path", s.path))
			return nil
		}
		return fmt.Errorf("reading identity: %w", err)
	}

	id := DefaultIdentity()
	if err := yaml.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("parsing identity %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.exclude = make(map[string]struct{}, len(id.ExcludePlugins))
	for _, name := range id.ExcludePlugins {
		s.exclude[name] = struct{}{}
	}
	s.identity.ExcludePlugins = nil

	s.logger.Info("identity loaded",
		slog.Int("id", id.ID),
		slog.Bool("au", id.AU),
		slog.Bool("vst3", id.VST),
		slog.Bool("vst2", id.VST2),
		slog.Bool("screen_diff_detection", id.ScreenDiffDetection),
		slog.Int("excluded", len(s.exclude)),
	)
	return nil
}

// Save writes the full identity, replacing the file atomically.
func (s *Store) Save() error {
	data, err := yaml.Marshal(s.Identity())
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := filesystem.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	return nil
}

// Identity returns a snapshot with ExcludePlugins populated and sorted.
func (s *Store) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.identity
	id.ExcludePlugins = sortedKeys(s.exclude)
	return id
}

// Update applies fn to a copy of the identity and stores the result. The
// exclusion list in the copy is authoritative after fn returns.
func (s *Store) Update(fn func(*Identity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.identity
	id.ExcludePlugins = sortedKeys(s.exclude)
	fn(&id)
	s.exclude = make(map[string]struct{}, len(id.ExcludePlugins))
	for _, name := range id.ExcludePlugins {
		s.exclude[name] = struct{}{}
	}
	id.ExcludePlugins = nil
	s.identity = id
}

// Exclusions returns a copy of the exclusion set.
func (s *Store) Exclusions() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.exclude))
	for k := range s.exclude {
		out[k] = struct{}{}
	}
	return out
}

// Excluded reports whether name is in the exclusion set (exact match).
func (s *Store) Excluded(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.exclude[name]
	return ok
}

// AddExclusion adds name to the exclusion set. It reports whether the set changed.
func (s *Store) AddExclusion(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exclude[name]; ok {
		return false
	}
	s.exclude[name] = struct{}{}
	return true
}

// RemoveExclusion removes name from the exclusion set. It reports whether the set changed.
func (s *Store) RemoveExclusion(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exclude[name]; !ok {
		return false
	}
	delete(s.exclude, name)
	return true
}

// PruneExclusions removes every name in names from the exclusion set and
// returns the ones that were actually present, sorted.
func (s *Store) PruneExclusions(names map[string]struct{}) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned []string
	for name := range names {
		if _, ok := s.exclude[name]; ok {
			delete(s.exclude, name)
			pruned = append(pruned, name)
		}
	}
	slices.Sort(pruned)
	return pruned
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
