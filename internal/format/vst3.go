package format

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sydlexius/gridserver/internal/catalog"
)

//go:embed schema/moduleinfo.schema.json
var moduleInfoSchema []byte

const audioModuleClass = "Audio Module Class"

var compileModuleInfoSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(moduleInfoSchema))
	if err != nil {
		return nil, fmt.Errorf("decoding moduleinfo schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("moduleinfo.schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding moduleinfo schema: %w", err)
	}
	return c.Compile("moduleinfo.schema.json")
})

type moduleInfo struct {
	Name        string `json:"Name"`
	Version     string `json:"Version"`
	FactoryInfo struct {
		Vendor string `json:"Vendor"`
	} `json:"Factory Info"`
	Classes []struct {
		CID           string   `json:"CID"`
		Category      string   `json:"Category"`
		Name          string   `json:"Name"`
		Vendor        string   `json:"Vendor"`
		Version       string   `json:"Version"`
		SubCategories []string `json:"Sub Categories"`
	} `json:"Classes"`
}

// VST3Driver handles .vst3 bundles. Bundles are described from their
// Contents/Resources/moduleinfo.json; single-file modules are checked to be
// loadable binaries.
type VST3Driver struct {
	walker bundleWalker
}

// NewVST3 returns a VST3 driver searching paths.
func NewVST3(paths []string) *VST3Driver {
	return &VST3Driver{walker: bundleWalker{paths: paths, exts: []string{".vst3"}}}
}

func (d *VST3Driver) Name() string          { return VST3 }
func (d *VST3Driver) Available() bool       { return true }
func (d *VST3Driver) SearchPaths() []string { return slices.Clone(d.walker.paths) }

func (d *VST3Driver) Enumerate(ctx context.Context) ([]string, error) {
	return d.walker.enumerate(ctx)
}

func (d *VST3Driver) NameOf(identifier string) string {
	return d.walker.nameFromPath(identifier)
}

func (d *VST3Driver) NeedsRescan(desc catalog.Descriptor) bool {
	return modTimeChanged(desc)
}

func (d *VST3Driver) Probe(ctx context.Context, identifier string) ([]catalog.Descriptor, error) {
	info, err := os.Stat(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}

	var ds []catalog.Descriptor
	if info.IsDir() {
		ds, err = d.probeBundle(identifier)
	} else {
		ds, err = probeBinary(VST3, identifier, d.NameOf(identifier))
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := stampModTime(identifier, ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	return ds, nil
}

func (d *VST3Driver) probeBundle(bundle string) ([]catalog.Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(bundle, "Contents", "Resources", "moduleinfo.json")) //nolint:gosec // G304: path from plugin enumeration
	if errors.Is(err, fs.ErrNotExist) {
		// Older bundles ship without module info; require the Contents tree.
		if _, statErr := os.Stat(filepath.Join(bundle, "Contents")); statErr != nil {
			return nil, fmt.Errorf("%w: bundle has no Contents directory", ErrInvalidPlugin)
		}
		return []catalog.Descriptor{{
			Format:     VST3,
			Identifier: bundle,
			Name:       d.NameOf(bundle),
			NumInputs:  2,
			NumOutputs: 2,
		}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading moduleinfo: %w", err)
	}

	mi, err := decodeModuleInfo(data)
	if err != nil {
		return nil, err
	}

	var ds []catalog.Descriptor
	for _, c := range mi.Classes {
		if c.Category != audioModuleClass {
			continue
		}
		vendor := c.Vendor
		if vendor == "" {
			vendor = mi.FactoryInfo.Vendor
		}
		version := c.Version
		if version == "" {
			version = mi.Version
		}
		instrument := slices.Contains(c.SubCategories, "Instrument")
		in := 2
		if instrument {
			in = 0
		}
		ds = append(ds, catalog.Descriptor{
			Format:       VST3,
			Identifier:   bundle,
			UID:          strings.ToUpper(c.CID),
			Name:         c.Name,
			Manufacturer: vendor,
			Category:     strings.Join(c.SubCategories, "|"),
			Version:      normalizeVersion(version),
			IsInstrument: instrument,
			NumInputs:    in,
			NumOutputs:   2,
		})
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w: no audio module classes", ErrInvalidPlugin)
	}
	return ds, nil
}

func decodeModuleInfo(data []byte) (*moduleInfo, error) {
	sch, err := compileModuleInfoSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: moduleinfo is not JSON: %v", ErrInvalidPlugin, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: moduleinfo: %v", ErrInvalidPlugin, err)
	}

	var mi moduleInfo
	if err := json.Unmarshal(data, &mi); err != nil {
		return nil, fmt.Errorf("%w: moduleinfo: %v", ErrInvalidPlugin, err)
	}
	return &mi, nil
}
