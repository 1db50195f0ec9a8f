package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/severity"
)

func TestParseEcosystem(t *testing.T) {
	cases := map[string]Ecosystem{
		"PyPI":      EcosystemPython,
		"npm":       EcosystemNodeJS,
		"go":        EcosystemGolang,
		"crates.io": EcosystemRust,
		"composer":  EcosystemPHP,
	}
	for in, want := range cases {
		got, ok := ParseEcosystem(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseEcosystem("cobol")
	assert.False(t, ok)
}

func TestInferEcosystem(t *testing.T) {
	eco, ok := InferEcosystem("https://www.npmjs.com/package/lodash")
	require.True(t, ok)
	assert.Equal(t, EcosystemNodeJS, eco)

	eco, ok = InferEcosystem("https://pypi.org/project/requests/")
	require.True(t, ok)
	assert.Equal(t, EcosystemPython, eco)

	_, ok = InferEcosystem("https://github.com/psf/requests")
	assert.False(t, ok)
}

func TestResolveEcosystem(t *testing.T) {
	d := DependencyMetadata{Name: "x", RepositoryURL: "https://crates.io/crates/serde"}
	assert.Equal(t, EcosystemRust, d.ResolveEcosystem(EcosystemPython))

	d = DependencyMetadata{Name: "x"}
	assert.Equal(t, EcosystemPython, d.ResolveEcosystem(EcosystemPython))

	d.Ecosystem = EcosystemGolang
	assert.Equal(t, EcosystemGolang, d.ResolveEcosystem(EcosystemPython))
}

func TestParseSource(t *testing.T) {
	s, ok := ParseSource(" GitHub ")
	require.True(t, ok)
	assert.Equal(t, SourceGitHub, s)
	_, ok = ParseSource("snyk")
	assert.False(t, ok)
}

func TestDependencyMetadata_Validate(t *testing.T) {
	valid := DependencyMetadata{Name: "requests", InstalledVersion: "2.0.0"}
	require.NoError(t, valid.Validate())

	cases := []DependencyMetadata{
		{InstalledVersion: "1.0.0"},
		{Name: "a"},
		{Name: "a", InstalledVersion: "1", MaintainerCount: Ptr(-1)},
		{Name: "a", InstalledVersion: "1", SecurityMetrics: SecurityMetrics{MaxCVSSScore: 11}},
		{Name: "a", InstalledVersion: "1", SecurityMetrics: SecurityMetrics{MaxCVSSScore: math.NaN()}},
	}
	for _, d := range cases {
		err := d.Validate()
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidInput, errors.GetKind(err))
	}
}

func TestDependencyMetadata_CloneIsDeep(t *testing.T) {
	now := time.Now()
	d := DependencyMetadata{Name: "a", InstalledVersion: "1", LastUpdated: &now, MaintainerCount: Ptr(3), HasTests: Ptr(true)}
	c := d.Clone()
	*c.MaintainerCount = 9
	*c.HasTests = false
	assert.Equal(t, 3, *d.MaintainerCount)
	assert.True(t, *d.HasTests)
}

func TestDependencyMetadata_CloneCopiesSupplementarySignals(t *testing.T) {
	d := DependencyMetadata{
		Name: "a", InstalledVersion: "1",
		License:                &LicenseInfo{ID: "GPL-3.0", Risk: RiskHigh},
		Community:              &CommunityMetrics{Stars: Ptr(10), CommitsPerMonth: Ptr(2.5)},
		TransitiveDependencies: Ptr(12),
		HasSignedCommits:       Ptr(true),
	}
	c := d.Clone()
	c.License.Risk = RiskLow
	*c.Community.Stars = 9000
	*c.TransitiveDependencies = 0
	*c.HasSignedCommits = false

	assert.Equal(t, RiskHigh, d.License.Risk)
	assert.Equal(t, 10, *d.Community.Stars)
	assert.Equal(t, 12, *d.TransitiveDependencies)
	assert.True(t, *d.HasSignedCommits)
	assert.Nil(t, c.HasBranchProtection)
}

func TestDependencyMetadata_RejectsNegativeTransitiveCount(t *testing.T) {
	d := DependencyMetadata{Name: "a", InstalledVersion: "1", TransitiveDependencies: Ptr(-1)}
	assert.Error(t, d.Validate())
}

func TestDependencyMetadata_MissingFields(t *testing.T) {
	d := DependencyMetadata{Name: "a", InstalledVersion: "1", MaintainerCount: Ptr(0)}
	assert.Equal(t, []string{"latest_version", "last_updated", "has_tests", "has_ci", "has_contribution_guidelines"}, d.MissingFields())
}

func TestVulnerability_DedupKey(t *testing.T) {
	v := Vulnerability{ID: "cve-2024-0001", Source: SourceNVD}
	assert.Equal(t, "CVE-2024-0001", v.DedupKey())

	a := Vulnerability{Source: SourceRegistry, Summary: "Prototype  Pollution!"}
	b := Vulnerability{Source: SourceRegistry, Summary: "prototype pollution"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := Vulnerability{Source: SourceOSV, Summary: "prototype pollution"}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestVulnerability_EffectiveCVSS(t *testing.T) {
	v := Vulnerability{Severity: severity.High}
	assert.Equal(t, 8.0, v.EffectiveCVSS())
	v.CVSSScore = Ptr(9.1)
	assert.Equal(t, 9.1, v.EffectiveCVSS())
}

func TestVulnerability_CVEs(t *testing.T) {
	v := Vulnerability{ID: "GHSA-xxxx-yyyy-zzzz", Aliases: []string{"cve-2021-44228", "PYSEC-1"}}
	assert.Equal(t, []string{"CVE-2021-44228"}, v.CVEs())
}

func TestNormalizeCVSS(t *testing.T) {
	assert.Nil(t, NormalizeCVSS(-1))
	assert.Nil(t, NormalizeCVSS(10.5))
	assert.Nil(t, NormalizeCVSS(math.NaN()))
	require.NotNil(t, NormalizeCVSS(7.5))
	assert.Equal(t, 7.5, *NormalizeCVSS(7.5))
}

func TestRiskSummary_Add(t *testing.T) {
	var s RiskSummary
	s.Add(DependencyRiskScore{RiskLevel: RiskLow})
	s.Add(DependencyRiskScore{RiskLevel: RiskHigh})
	s.Add(DependencyRiskScore{RiskLevel: RiskMedium, Degraded: true})

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Count(RiskHigh))
	assert.Equal(t, 1, s.Degraded)
	assert.Equal(t, RiskHigh, s.HighestRisk)
}
