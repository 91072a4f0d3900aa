package scanner

import (
	"slices"
	"strings"
)

// selfNames identify this host application. A plugin whose name contains
// one of them is never cataloged.
var selfNames = []string{"agridder", "audiogridder"}

// ShouldExclude decides whether a plugin named name is skipped. Self names
// always are. A non-empty include list admits exact matches only and
// overrides excluded entirely. Otherwise name is skipped iff it is in
// excluded.
func ShouldExclude(name string, include []string, excluded map[string]struct{}) bool {
	lower := strings.ToLower(name)
	for _, self := range selfNames {
		if strings.Contains(lower, self) {
			return true
		}
	}
	if len(include) > 0 {
		return !slices.Contains(include, name)
	}
	_, ok := excluded[name]
	return ok
}
