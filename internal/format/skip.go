package format

import (
	"fmt"

	"github.com/gobwas/glob"
)

// SkipList matches identifiers that enumeration should ignore.
type SkipList []glob.Glob

// CompileSkip compiles glob patterns using '/' as the separator, so '*'
// stays within one path element and '**' crosses them.
func CompileSkip(patterns []string) (SkipList, error) {
	out := make(SkipList, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling skip pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match reports whether identifier matches any pattern.
func (s SkipList) Match(identifier string) bool {
	for _, g := range s {
		if g.Match(identifier) {
			return true
		}
	}
	return false
}
