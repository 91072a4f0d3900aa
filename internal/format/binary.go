package format

import (
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// Loadable binary types across the supported platforms. Parents are checked
// too, so every ELF subtype passes through application/x-elf.
var loadableMIME = map[string]bool{
	"application/x-elf":                             true,
	"application/x-sharedlib":                       true,
	"application/x-executable":                      true,
	"application/x-mach-binary":                     true,
	"application/vnd.microsoft.portable-executable": true,
}

// checkLoadable sniffs path and fails unless it is a non-empty native binary.
func checkLoadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlugin, err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%w: %s is not a regular non-empty file", ErrInvalidPlugin, path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("%w: sniffing %s: %v", ErrInvalidPlugin, path, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if loadableMIME[m.String()] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s, not a native binary", ErrInvalidPlugin, path, mt.String())
}

// probeBinary describes a single-file plugin that carries no metadata of its
// own beyond the file name.
func probeBinary(format, path, name string) ([]catalog.Descriptor, error) {
	if err := checkLoadable(path); err != nil {
		return nil, err
	}
	return []catalog.Descriptor{{
		Format:     format,
		Identifier: path,
		Name:       name,
		NumInputs:  2,
		NumOutputs: 2,
	}}, nil
}
