// Package versions compares installed and published versions. It is lenient:
// anything Masterminds/semver can coerce is compared semantically, the rest
// falls back to string equality.
package versions

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Gap classifies the distance between two versions.
type Gap int

const (
	GapNone Gap = iota
	GapPatch
	GapMinor
	GapMajor
	// GapUnknown means the versions differ but could not be compared.
	GapUnknown
)

func (g Gap) String() string {
	switch g {
	case GapPatch:
		return "patch"
	case GapMinor:
		return "minor"
	case GapMajor:
		return "major"
	case GapUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Parse coerces a version string. Leading "v" and "==" are tolerated.
func Parse(s string) (*semver.Version, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "==")
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Compare returns the gap from installed up to latest. An installed version
// ahead of latest is GapNone.
func Compare(installed, latest string) Gap {
	if latest == "" || strings.TrimSpace(installed) == strings.TrimSpace(latest) {
		return GapNone
	}
	iv, ok1 := Parse(installed)
	lv, ok2 := Parse(latest)
	if !ok1 || !ok2 {
		return GapUnknown
	}
	if !iv.LessThan(lv) {
		return GapNone
	}
	switch {
	case lv.Major() > iv.Major():
		return GapMajor
	case lv.Minor() > iv.Minor():
		return GapMinor
	case lv.Patch() > iv.Patch():
		return GapPatch
	default:
		// prerelease or metadata only
		return GapPatch
	}
}

// IsFixed reports whether installed satisfies any fixed-version entry. An
// entry is either a bare version ("1.2.5", meaning >= 1.2.5) or a constraint
// (">=1.2.5, <2"). When some bare entries share installed's major version,
// only those are considered so a fix on another release line does not count.
func IsFixed(installed string, fixed []string) bool {
	iv, ok := Parse(installed)
	if !ok {
		for _, f := range fixed {
			if strings.TrimSpace(f) == strings.TrimSpace(installed) {
				return true
			}
		}
		return false
	}

	var bare []*semver.Version
	for _, f := range fixed {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if isConstraint(f) {
			c, err := semver.NewConstraint(f)
			if err == nil && c.Check(iv) {
				return true
			}
			continue
		}
		if fv, ok := Parse(f); ok {
			bare = append(bare, fv)
		}
	}

	sameLine := bare[:0:0]
	for _, fv := range bare {
		if fv.Major() == iv.Major() {
			sameLine = append(sameLine, fv)
		}
	}
	if len(sameLine) > 0 {
		bare = sameLine
	}
	for _, fv := range bare {
		if !iv.LessThan(fv) {
			return true
		}
	}
	return false
}

func isConstraint(s string) bool {
	return strings.ContainsAny(s[:1], "<>=~^!") || strings.Contains(s, ",") || strings.Contains(s, "||")
}
