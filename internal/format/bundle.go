package format

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// bundleWalker finds plugins by extension under a set of search paths. A
// matching directory is a bundle and is not descended into.
type bundleWalker struct {
	paths []string
	exts  []string
}

func (w bundleWalker) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range w.exts {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return true
		}
	}
	return false
}

func (w bundleWalker) enumerate(ctx context.Context) ([]string, error) {
	var found []string
	for _, root := range w.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				// Unreadable subtrees are skipped, not fatal.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if path == root || !w.matches(d.Name()) {
				return nil
			}
			found = append(found, path)
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// nameFromPath returns the file name without its plugin extension.
func (w bundleWalker) nameFromPath(identifier string) string {
	base := filepath.Base(identifier)
	lower := strings.ToLower(base)
	for _, ext := range w.exts {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// modTimeChanged reports whether the file behind d was modified, removed or
// replaced since d was produced.
func modTimeChanged(d catalog.Descriptor) bool {
	info, err := os.Stat(d.Identifier)
	if err != nil {
		return true
	}
	return !info.ModTime().Equal(d.FileModTime)
}

// stampModTime sets FileModTime on every descriptor from the identifier's
// current modification time.
func stampModTime(identifier string, ds []catalog.Descriptor) error {
	info, err := os.Stat(identifier)
	if err != nil {
		return err
	}
	for i := range ds {
		ds[i].FileModTime = info.ModTime()
	}
	return nil
}
