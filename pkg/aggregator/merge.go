package aggregator

import (
	"sort"
	"strings"
	"time"

	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
	"github.com/exploopio/deprisk/pkg/versions"
)

// Merge deduplicates vulnerabilities and merges each duplicate group into
// one record. Two records are duplicates when their identifier sets (id and
// aliases, case-insensitive) intersect, transitively. Records without any
// identifier fall back to source plus normalized summary.
//
// A merged record takes the highest CVSS score and severity, the earliest
// published date, and the union of fixed versions, affected ranges,
// references and sources. The result does not depend on input order and
// is sorted by severity, then CVSS score (both descending), then id.
func Merge(vulns []model.Vulnerability) []model.Vulnerability {
	if len(vulns) == 0 {
		return []model.Vulnerability{}
	}

	parent := make([]int, len(vulns))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	owner := make(map[string]int)
	for i, v := range vulns {
		keys := v.Identifiers()
		if len(keys) == 0 {
			keys = []string{"~" + v.DedupKey()}
		}
		for _, k := range keys {
			if j, ok := owner[k]; ok {
				union(i, j)
			} else {
				owner[k] = i
			}
		}
	}

	groups := make(map[int][]model.Vulnerability)
	for i, v := range vulns {
		r := find(i)
		groups[r] = append(groups[r], v)
	}

	out := make([]model.Vulnerability, 0, len(groups))
	for _, g := range groups {
		out = append(out, mergeGroup(g))
	}
	SortVulnerabilities(out)
	return out
}

// SortVulnerabilities orders by severity, then CVSS score (both
// descending), then id.
func SortVulnerabilities(vulns []model.Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		a, b := vulns[i], vulns[j]
		if pa, pb := a.Severity.Priority(), b.Severity.Priority(); pa != pb {
			return pa > pb
		}
		if ca, cb := a.EffectiveCVSS(), b.EffectiveCVSS(); ca != cb {
			return ca > cb
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Summary < b.Summary
	})
}

func mergeGroup(group []model.Vulnerability) model.Vulnerability {
	// canonical member order makes every choice below order-independent
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if ra, rb := idRank(a.ID), idRank(b.ID); ra != rb {
			return ra < rb
		}
		if ua, ub := strings.ToUpper(a.ID), strings.ToUpper(b.ID); ua != ub {
			return ua < ub
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Summary < b.Summary
	})

	primary := group[0]
	merged := model.Vulnerability{
		ID:       primary.ID,
		Severity: severity.Unknown,
	}

	ids := make(map[string]bool)
	var sourceSet []string
	var affected, fixed, refs, aliases []string

	for _, v := range group {
		if merged.Summary == "" && strings.TrimSpace(v.Summary) != "" {
			merged.Summary = v.Summary
		}
		merged.Severity = severity.Max(merged.Severity, v.Severity)
		if v.CVSSScore != nil && (merged.CVSSScore == nil || *v.CVSSScore > *merged.CVSSScore) {
			merged.CVSSScore = model.Ptr(*v.CVSSScore)
		}
		if v.Published != nil && (merged.Published == nil || v.Published.Before(*merged.Published)) {
			merged.Published = model.Ptr(*v.Published)
		}
		merged.KnownExploited = merged.KnownExploited || v.KnownExploited

		sourceSet = addString(sourceSet, string(v.Source))
		for _, s := range v.Sources {
			sourceSet = addString(sourceSet, string(s))
		}
		for _, part := range strings.Split(v.AffectedVersions, "||") {
			affected = addString(affected, strings.TrimSpace(part))
		}
		for _, f := range v.FixedVersions {
			fixed = addString(fixed, strings.TrimSpace(f))
		}
		for _, r := range v.References {
			refs = addString(refs, strings.TrimSpace(r))
		}
		for _, id := range v.Identifiers() {
			if !ids[id] {
				ids[id] = true
				if id != strings.ToUpper(merged.ID) {
					aliases = append(aliases, id)
				}
			}
		}
	}

	sort.Strings(sourceSet)
	sort.Strings(affected)
	sort.Strings(refs)
	sort.Strings(aliases)
	sortVersions(fixed)

	if len(sourceSet) > 0 {
		merged.Source = model.SourceName(sourceSet[0])
		merged.Sources = make([]model.SourceName, len(sourceSet))
		for i, s := range sourceSet {
			merged.Sources[i] = model.SourceName(s)
		}
	}
	merged.AffectedVersions = strings.Join(affected, " || ")
	merged.FixedVersions = fixed
	merged.References = refs
	merged.Aliases = aliases

	if merged.Severity == severity.Unknown && merged.CVSSScore != nil {
		merged.Severity = severity.FromCVSS(*merged.CVSSScore)
	}
	return merged
}

// idRank prefers CVE ids as the primary identifier, then GHSA, then others.
// Records without an id sort last.
func idRank(id string) int {
	id = strings.ToUpper(strings.TrimSpace(id))
	switch {
	case id == "":
		return 3
	case strings.HasPrefix(id, "CVE-"):
		return 0
	case strings.HasPrefix(id, "GHSA-"):
		return 1
	default:
		return 2
	}
}

func addString(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// sortVersions orders semantic versions ascending; unparsable entries
// follow in lexical order.
func sortVersions(vs []string) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, okA := versions.Parse(vs[i])
		b, okB := versions.Parse(vs[j])
		switch {
		case okA && okB:
			if !a.Equal(b) {
				return a.LessThan(b)
			}
			return vs[i] < vs[j]
		case okA != okB:
			return okA
		default:
			return vs[i] < vs[j]
		}
	})
}

// ComputeMetrics derives SecurityMetrics from a merged set.
//
// A vulnerability is fixed when installed satisfies one of its fixed
// versions. A security update is recent when a vulnerability with a
// published fix was itself published within window of now.
func ComputeMetrics(installed string, vulns []model.Vulnerability, now time.Time, window time.Duration) model.SecurityMetrics {
	m := model.SecurityMetrics{VulnerabilityCount: len(vulns)}
	cutoff := now.Add(-window)
	for _, v := range vulns {
		if len(v.FixedVersions) > 0 && versions.IsFixed(installed, v.FixedVersions) {
			m.FixedVulnerabilityCount++
		}
		if score := v.EffectiveCVSS(); score > m.MaxCVSSScore {
			m.MaxCVSSScore = score
		}
		if len(v.FixedVersions) > 0 && v.Published != nil && !v.Published.Before(cutoff) && !v.Published.After(now) {
			m.HasRecentSecurityUpdate = true
		}
	}
	return m
}

// HasExploitedSevere reports whether any vulnerability of high or critical
// severity has a known exploit.
func HasExploitedSevere(vulns []model.Vulnerability) bool {
	for _, v := range vulns {
		if v.KnownExploited && v.Severity.IsAtLeast(severity.High) {
			return true
		}
	}
	return false
}
