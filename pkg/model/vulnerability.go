package model

import (
	"strings"
	"time"
	"unicode"

	"github.com/exploopio/deprisk/pkg/severity"
)

// Vulnerability is the normalized advisory record shared by every source.
type Vulnerability struct {
	ID               string         `json:"id"`
	Aliases          []string       `json:"aliases,omitempty"`
	Source           SourceName     `json:"source"`
	Sources          []SourceName   `json:"sources,omitempty"`
	Severity         severity.Level `json:"severity"`
	CVSSScore        *float64       `json:"cvss_score,omitempty"`
	Published        *time.Time     `json:"published,omitempty"`
	Summary          string         `json:"summary"`
	AffectedVersions string         `json:"affected_versions,omitempty"`
	FixedVersions    []string       `json:"fixed_versions,omitempty"`
	References       []string       `json:"references,omitempty"`
	KnownExploited   bool           `json:"known_exploited,omitempty"`
	EPSS             *float64       `json:"epss,omitempty"`
	EPSSPercentile   *float64       `json:"epss_percentile,omitempty"`
}

// Identifiers returns the upper-cased advisory ids (primary and aliases).
func (v Vulnerability) Identifiers() []string {
	ids := make([]string, 0, 1+len(v.Aliases))
	if id := strings.ToUpper(strings.TrimSpace(v.ID)); id != "" {
		ids = append(ids, id)
	}
	for _, a := range v.Aliases {
		if a = strings.ToUpper(strings.TrimSpace(a)); a != "" {
			ids = append(ids, a)
		}
	}
	return ids
}

// DedupKey is the identity used when a record has no advisory id.
func (v Vulnerability) DedupKey() string {
	if id := strings.ToUpper(strings.TrimSpace(v.ID)); id != "" {
		return id
	}
	return string(v.Source) + "|" + NormalizeTitle(v.Summary)
}

// EffectiveCVSS returns the CVSS score, or the severity's stand-in score.
func (v Vulnerability) EffectiveCVSS() float64 {
	if v.CVSSScore != nil {
		return *v.CVSSScore
	}
	return v.Severity.Score()
}

// CVEs returns the CVE identifiers among Identifiers.
func (v Vulnerability) CVEs() []string {
	var out []string
	for _, id := range v.Identifiers() {
		if strings.HasPrefix(id, "CVE-") {
			out = append(out, id)
		}
	}
	return out
}

// NormalizeTitle lowercases, drops punctuation and collapses whitespace.
func NormalizeTitle(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// NormalizeCVSS keeps a score only if it lies in [0, 10].
func NormalizeCVSS(score float64) *float64 {
	if score != score || score < 0 || score > 10 {
		return nil
	}
	return &score
}
