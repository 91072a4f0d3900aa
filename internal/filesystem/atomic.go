package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces target with data so that a reader sees either the
// old content or the new content, never a partial write.
//
// Steps:
//  1. Write data to <target>.tmp and fsync it
//  2. Rename <target>.tmp over <target>
//  3. Fsync the parent directory so the rename itself is durable
//
// If the process dies before step 2 the previous file is untouched; a stale
// .tmp left behind is overwritten by the next call.
func WriteFileAtomic(target string, data []byte, perm os.FileMode) error {
	tmpPath := target + ".tmp"

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0755 is appropriate for application data directories
		return fmt.Errorf("creating parent directory: %w", err)
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) //nolint:gosec // G304: path derived from trusted config
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to target: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes directory metadata. Not every platform supports fsync on a
// directory handle, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // G304: dir derived from trusted config
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
