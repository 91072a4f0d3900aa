// Package format holds the plugin format drivers. A driver enumerates
// installed plugins for one format, names them, decides when a stored
// descriptor is stale and probes a single identifier.
package format

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sydlexius/gridserver/internal/catalog"
	"github.com/sydlexius/gridserver/internal/config"
)

// Format names as they appear in the catalog and on the probe command line.
const (
	AudioUnit = "AudioUnit"
	VST3      = "VST3"
	VST       = "VST"
)

var (
	// ErrUnknownFormat is returned when no driver is registered for a name.
	ErrUnknownFormat = errors.New("unknown plugin format")
	// ErrInvalidPlugin is returned by Probe when the identifier is not a
	// usable plugin of the driver's format.
	ErrInvalidPlugin = errors.New("invalid plugin")
)

// Driver discovers and describes plugins of one format.
type Driver interface {
	// Name is the format tag, one of AudioUnit, VST3 or VST.
	Name() string
	// Available reports whether the format can be hosted on this platform.
	Available() bool
	// SearchPaths lists the directories Enumerate walks.
	SearchPaths() []string
	// Enumerate lists installed plugin identifiers.
	Enumerate(ctx context.Context) ([]string, error)
	// NameOf derives the display name used by the exclusion policy.
	NameOf(identifier string) string
	// NeedsRescan reports whether d no longer matches what is on disk.
	NeedsRescan(d catalog.Descriptor) bool
	// Probe describes identifier. It is only ever called inside an
	// isolated probe process.
	Probe(ctx context.Context, identifier string) ([]catalog.Descriptor, error)
}

// Registry maps format names to drivers.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates a registry holding drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.Register(d)
	}
	return r
}

// Register adds or replaces the driver for d.Name().
func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// Lookup returns the driver for name.
func (r *Registry) Lookup(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	return d, nil
}

// Names returns the registered format names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Enabled returns the drivers switched on by the identity flags, in scan
// order: AudioUnit (where available), then VST3, then VST.
func (r *Registry) Enabled(id config.Identity) []Driver {
	var out []Driver
	if d, ok := r.drivers[AudioUnit]; ok && id.AU && d.Available() {
		out = append(out, d)
	}
	if d, ok := r.drivers[VST3]; ok && id.VST && d.Available() {
		out = append(out, d)
	}
	if d, ok := r.drivers[VST]; ok && id.VST2 && d.Available() {
		out = append(out, d)
	}
	return out
}

// Defaults builds the standard registry. Entries in searchPaths replace the
// platform default directories for that format.
func Defaults(searchPaths map[string][]string) *Registry {
	paths := func(name string) []string {
		if p, ok := searchPaths[name]; ok {
			return p
		}
		return defaultSearchPaths(name)
	}
	return NewRegistry(
		NewAudioUnit(paths(AudioUnit)),
		NewVST3(paths(VST3)),
		NewVST(paths(VST)),
	)
}
