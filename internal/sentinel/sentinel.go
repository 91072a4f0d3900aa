// Package sentinel implements the in-flight probe journal. An identifier is
// appended and synced before a risky probe and removed only when the probe
// returns, so a line that survives a crash names the plugin responsible.
package sentinel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sydlexius/gridserver/internal/filesystem"
)

// File is a sentinel journal backed by a plain text file, one identifier
// per line.
type File struct {
	path string
	mu   sync.Mutex
}

// New returns a journal at path. The file is created on first Mark.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// Mark durably records identifier as in flight.
func (f *File) Mark(identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := filesystem.AppendLine(f.path, identifier); err != nil {
		return fmt.Errorf("marking %s in flight: %w", identifier, err)
	}
	return nil
}

// Entries returns the identifiers currently recorded, in write order.
func (f *File) Entries() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines, err := filesystem.ReadLines(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading sentinel: %w", err)
	}
	return lines, nil
}

// Done removes every line equal to identifier. Lines written for other
// identifiers are kept. The file is deleted once it holds nothing.
func (f *File) Done(identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lines, err := filesystem.ReadLines(f.path)
	if err != nil {
		return fmt.Errorf("reading sentinel: %w", err)
	}
	rest := slices.DeleteFunc(lines, func(l string) bool { return l == identifier })
	if len(rest) == 0 {
		if err := filesystem.RemoveIfExists(f.path); err != nil {
			return fmt.Errorf("removing sentinel: %w", err)
		}
		return nil
	}
	data := strings.Join(rest, "\n") + "\n"
	if err := filesystem.WriteFileAtomic(f.path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("rewriting sentinel: %w", err)
	}
	return nil
}

// Clear empties the journal.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := filesystem.RemoveIfExists(f.path); err != nil {
		return fmt.Errorf("clearing sentinel: %w", err)
	}
	return nil
}
