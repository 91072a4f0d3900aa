package format

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// VSTDriver handles VST2 plugins: .so files on Linux, .dll on Windows and
// .vst bundles on macOS.
type VSTDriver struct {
	walker bundleWalker
}

// NewVST returns a VST2 driver searching paths.
func NewVST(paths []string) *VSTDriver {
	return &VSTDriver{walker: bundleWalker{paths: paths, exts: vstExtensions()}}
}

func (d *VSTDriver) Name() string          { return VST }
func (d *VSTDriver) Available() bool       { return true }
func (d *VSTDriver) SearchPaths() []string { return slices.Clone(d.walker.paths) }

func (d *VSTDriver) Enumerate(ctx context.Context) ([]string, error) {
	return d.walker.enumerate(ctx)
}

func (d *VSTDriver) NameOf(identifier string) string {
	return d.walker.nameFromPath(identifier)
}

func (d *VSTDriver) NeedsRescan(desc catalog.Descriptor) bool {
	return modTimeChanged(desc)
}

func (d *VSTDriver) Probe(ctx context.Context, identifier string) ([]catalog.Descriptor, error) {
	info, err := os.Stat(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}

	binary := identifier
	if info.IsDir() {
		binary = filepath.Join(identifier, "Contents", "MacOS", d.NameOf(identifier))
	}
	ds, err := probeBinary(VST, binary, d.NameOf(identifier))
	if err != nil {
		return nil, err
	}
	ds[0].Identifier = identifier
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := stampModTime(identifier, ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	return ds, nil
}
