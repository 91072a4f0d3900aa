package format

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// normalizeVersion returns v in canonical semver form when it parses and the
// trimmed input otherwise.
func normalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return sv.String()
}
