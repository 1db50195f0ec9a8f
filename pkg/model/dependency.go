package model

import (
	"math"
	"time"

	"github.com/exploopio/deprisk/pkg/errors"
)

// Ptr returns a pointer to v. Optional fields use nil for "unset".
func Ptr[T any](v T) *T {
	return &v
}

// SecurityMetrics is derived from a dependency's vulnerability set. Only the
// aggregator writes it, and always as a whole value.
type SecurityMetrics struct {
	VulnerabilityCount      int     `json:"vulnerability_count"`
	FixedVulnerabilityCount int     `json:"fixed_vulnerability_count"`
	MaxCVSSScore            float64 `json:"max_cvss_score"`
	HasRecentSecurityUpdate bool    `json:"has_recent_security_update"`
}

// UnfixedCount returns vulnerabilities the installed version is still exposed to.
func (m SecurityMetrics) UnfixedCount() int {
	if n := m.VulnerabilityCount - m.FixedVulnerabilityCount; n > 0 {
		return n
	}
	return 0
}

// DependencyMetadata is produced by the manifest parser and analyzers.
//
// Optional fields are pointers (or the empty string for LatestVersion): nil
// means "no data" and is distinct from a confirmed zero or false.
type DependencyMetadata struct {
	Name             string    `json:"name"`
	InstalledVersion string    `json:"installed_version"`
	Ecosystem        Ecosystem `json:"ecosystem,omitempty"`
	RepositoryURL    string    `json:"repository_url,omitempty"`

	LatestVersion   string     `json:"latest_version,omitempty"`
	LastUpdated     *time.Time `json:"last_updated,omitempty"`
	MaintainerCount *int       `json:"maintainer_count,omitempty"`

	IsDeprecated     bool `json:"is_deprecated"`
	HasKnownExploits bool `json:"has_known_exploits"`

	HasTests                  *bool `json:"has_tests,omitempty"`
	HasCI                     *bool `json:"has_ci,omitempty"`
	HasContributionGuidelines *bool `json:"has_contribution_guidelines,omitempty"`

	License                *LicenseInfo      `json:"license,omitempty"`
	Community              *CommunityMetrics `json:"community,omitempty"`
	TransitiveDependencies *int              `json:"transitive_dependencies,omitempty"`

	// Repository practices, as reported by an OpenSSF Scorecard style check.
	HasSecurityPolicy        *bool `json:"has_security_policy,omitempty"`
	HasDependencyUpdateTools *bool `json:"has_dependency_update_tools,omitempty"`
	HasSignedCommits         *bool `json:"has_signed_commits,omitempty"`
	HasBranchProtection      *bool `json:"has_branch_protection,omitempty"`

	SecurityMetrics SecurityMetrics `json:"security_metrics"`
}

// LicenseInfo is the analyzer's license classification.
type LicenseInfo struct {
	ID   string    `json:"id"`
	Risk RiskLevel `json:"risk"`
}

// CommunityMetrics are repository activity signals. Each is optional.
type CommunityMetrics struct {
	Stars        *int `json:"stars,omitempty"`
	OpenIssues   *int `json:"open_issues,omitempty"`
	ClosedIssues *int `json:"closed_issues,omitempty"`
	// CommitsPerMonth is the recent average commit rate.
	CommitsPerMonth *float64 `json:"commits_per_month,omitempty"`
}

func (c *CommunityMetrics) clone() *CommunityMetrics {
	if c == nil {
		return nil
	}
	out := &CommunityMetrics{}
	if c.Stars != nil {
		out.Stars = Ptr(*c.Stars)
	}
	if c.OpenIssues != nil {
		out.OpenIssues = Ptr(*c.OpenIssues)
	}
	if c.ClosedIssues != nil {
		out.ClosedIssues = Ptr(*c.ClosedIssues)
	}
	if c.CommitsPerMonth != nil {
		out.CommitsPerMonth = Ptr(*c.CommitsPerMonth)
	}
	return out
}

// Clone returns a deep copy.
func (d DependencyMetadata) Clone() DependencyMetadata {
	c := d
	if d.LastUpdated != nil {
		c.LastUpdated = Ptr(*d.LastUpdated)
	}
	if d.MaintainerCount != nil {
		c.MaintainerCount = Ptr(*d.MaintainerCount)
	}
	if d.HasTests != nil {
		c.HasTests = Ptr(*d.HasTests)
	}
	if d.HasCI != nil {
		c.HasCI = Ptr(*d.HasCI)
	}
	if d.HasContributionGuidelines != nil {
		c.HasContributionGuidelines = Ptr(*d.HasContributionGuidelines)
	}
	if d.License != nil {
		c.License = Ptr(*d.License)
	}
	c.Community = d.Community.clone()
	if d.TransitiveDependencies != nil {
		c.TransitiveDependencies = Ptr(*d.TransitiveDependencies)
	}
	for _, f := range []**bool{&c.HasSecurityPolicy, &c.HasDependencyUpdateTools, &c.HasSignedCommits, &c.HasBranchProtection} {
		if *f != nil {
			*f = Ptr(**f)
		}
	}
	return c
}

// ResolveEcosystem returns the dependency's ecosystem, inferring it from the
// repository URL and then falling back to def.
func (d DependencyMetadata) ResolveEcosystem(def Ecosystem) Ecosystem {
	if d.Ecosystem != "" {
		return d.Ecosystem
	}
	if eco, ok := InferEcosystem(d.RepositoryURL); ok {
		return eco
	}
	return def
}

// Validate reports fields that cannot be scored even with defaults.
func (d DependencyMetadata) Validate() error {
	const op = "model.DependencyMetadata.Validate"
	switch {
	case d.Name == "":
		return errors.E(errors.KindInvalidInput, op, "name is required")
	case d.InstalledVersion == "":
		return errors.E(errors.KindInvalidInput, op, "installed_version is required for "+d.Name)
	case d.MaintainerCount != nil && *d.MaintainerCount < 0:
		return errors.E(errors.KindInvalidInput, op, "negative maintainer_count for "+d.Name)
	case d.TransitiveDependencies != nil && *d.TransitiveDependencies < 0:
		return errors.E(errors.KindInvalidInput, op, "negative transitive_dependencies for "+d.Name)
	case d.SecurityMetrics.VulnerabilityCount < 0 || d.SecurityMetrics.FixedVulnerabilityCount < 0:
		return errors.E(errors.KindInvalidInput, op, "negative vulnerability count for "+d.Name)
	case math.IsNaN(d.SecurityMetrics.MaxCVSSScore) || d.SecurityMetrics.MaxCVSSScore < 0 || d.SecurityMetrics.MaxCVSSScore > 10:
		return errors.E(errors.KindInvalidInput, op, "max_cvss_score out of range for "+d.Name)
	}
	return nil
}

// MissingFields lists the core optional fields that are unset and will be
// defaulted. The supplementary signals (license, community, transitive
// count, repository practices) are not reported; they simply do not score.
func (d DependencyMetadata) MissingFields() []string {
	var missing []string
	if d.LatestVersion == "" {
		missing = append(missing, "latest_version")
	}
	if d.LastUpdated == nil {
		missing = append(missing, "last_updated")
	}
	if d.MaintainerCount == nil {
		missing = append(missing, "maintainer_count")
	}
	if d.HasTests == nil {
		missing = append(missing, "has_tests")
	}
	if d.HasCI == nil {
		missing = append(missing, "has_ci")
	}
	if d.HasContributionGuidelines == nil {
		missing = append(missing, "has_contribution_guidelines")
	}
	return missing
}
