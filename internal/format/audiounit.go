package format

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"howett.net/plist"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// AudioUnit component types that host audio. Generators and offline units
// are not offered to clients.
const (
	auTypeEffect      = "aufx"
	auTypeMusicEffect = "aumf"
	auTypeInstrument  = "aumu"
)

type auInfoPlist struct {
	BundleName      string `plist:"CFBundleName"`
	ShortVersion    string `plist:"CFBundleShortVersionString"`
	AudioComponents []struct {
		Name         string `plist:"name"`
		Description  string `plist:"description"`
		Manufacturer string `plist:"manufacturer"`
		Type         string `plist:"type"`
		Subtype      string `plist:"subtype"`
		Version      uint64 `plist:"version"`
	} `plist:"AudioComponents"`
}

// AudioUnitDriver handles .component bundles. AudioUnits can only be hosted
// on macOS.
type AudioUnitDriver struct {
	walker bundleWalker
}

// NewAudioUnit returns an AudioUnit driver searching paths.
func NewAudioUnit(paths []string) *AudioUnitDriver {
	return &AudioUnitDriver{walker: bundleWalker{paths: paths, exts: []string{".component"}}}
}

func (d *AudioUnitDriver) Name() string          { return AudioUnit }
func (d *AudioUnitDriver) Available() bool       { return runtime.GOOS == "darwin" }
func (d *AudioUnitDriver) SearchPaths() []string { return slices.Clone(d.walker.paths) }

func (d *AudioUnitDriver) Enumerate(ctx context.Context) ([]string, error) {
	return d.walker.enumerate(ctx)
}

func (d *AudioUnitDriver) NameOf(identifier string) string {
	return d.walker.nameFromPath(identifier)
}

func (d *AudioUnitDriver) NeedsRescan(desc catalog.Descriptor) bool {
	return modTimeChanged(desc)
}

func (d *AudioUnitDriver) Probe(ctx context.Context, identifier string) ([]catalog.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(identifier, "Contents", "Info.plist")) //nolint:gosec // G304: path from plugin enumeration
	if err != nil {
		return nil, fmt.Errorf("%w: reading Info.plist: %v", ErrInvalidPlugin, err)
	}
	var info auInfoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: parsing Info.plist: %v", ErrInvalidPlugin, err)
	}

	var ds []catalog.Descriptor
	for _, c := range info.AudioComponents {
		switch c.Type {
		case auTypeEffect, auTypeMusicEffect, auTypeInstrument:
		default:
			continue
		}
		manufacturer, name := splitAUName(c.Name)
		if name == "" {
			name = d.NameOf(identifier)
		}
		instrument := c.Type == auTypeInstrument
		in := 2
		if instrument {
			in = 0
		}
		ds = append(ds, catalog.Descriptor{
			Format:       AudioUnit,
			Identifier:   identifier,
			UID:          c.Type + ":" + c.Subtype + ":" + c.Manufacturer,
			Name:         name,
			Manufacturer: manufacturer,
			Category:     auCategory(c.Type),
			Version:      auVersion(c.Version, info.ShortVersion),
			IsInstrument: instrument,
			NumInputs:    in,
			NumOutputs:   2,
		})
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w: no hostable audio components", ErrInvalidPlugin)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := stampModTime(identifier, ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	return ds, nil
}

// splitAUName splits the conventional "Manufacturer: Plugin" component name.
func splitAUName(full string) (manufacturer, name string) {
	m, n, ok := strings.Cut(full, ":")
	if !ok {
		return "", strings.TrimSpace(full)
	}
	return strings.TrimSpace(m), strings.TrimSpace(n)
}

func auCategory(typ string) string {
	switch typ {
	case auTypeInstrument:
		return "Instrument"
	case auTypeMusicEffect:
		return "Music Effect"
	default:
		return "Effect"
	}
}

// auVersion decodes the packed 0xMMMMmmbb component version, falling back to
// the bundle's short version string.
func auVersion(packed uint64, short string) string {
	if packed == 0 {
		return normalizeVersion(short)
	}
	return fmt.Sprintf("%d.%d.%d", packed>>16, (packed>>8)&0xff, packed&0xff)
}
