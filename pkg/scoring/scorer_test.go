package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(Options{Clock: core.FixedClock(now)})
	require.NoError(t, err)
	return s
}

// fixture builds a dependency from (days since update, maintainers,
// deprecated, exploits).
func fixture(days, maintainers int, deprecated, exploits bool) model.DependencyMetadata {
	return model.DependencyMetadata{
		Name:             "pkg",
		InstalledVersion: "1.0.0",
		LastUpdated:      model.Ptr(now.AddDate(0, 0, -days)),
		MaintainerCount:  model.Ptr(maintainers),
		IsDeprecated:     deprecated,
		HasKnownExploits: exploits,
	}
}

func mustScore(t *testing.T, s *Scorer, dep model.DependencyMetadata) model.DependencyRiskScore {
	t.Helper()
	score, err := s.Score(dep)
	require.NoError(t, err)
	return score
}

func TestScore_OrderingFixture(t *testing.T) {
	s := newScorer(t)

	a := mustScore(t, s, fixture(15, 5, false, false))
	b := mustScore(t, s, fixture(120, 2, false, false))
	c := mustScore(t, s, fixture(370, 1, false, false))
	d := mustScore(t, s, fixture(730, 1, true, true))

	assert.Contains(t, []model.RiskLevel{model.RiskLow, model.RiskMedium}, a.RiskLevel)
	assert.Equal(t, model.RiskMedium, b.RiskLevel)
	assert.Equal(t, model.RiskHigh, c.RiskLevel)
	assert.Equal(t, model.RiskCritical, d.RiskLevel)

	assert.Less(t, a.TotalScore, b.TotalScore)
	assert.Less(t, b.TotalScore, c.TotalScore)
	assert.Less(t, c.TotalScore, d.TotalScore)

	assert.InDelta(t, 0.0, a.TotalScore, 1e-9)
	assert.InDelta(t, 2.25, b.TotalScore, 1e-9)
	assert.InDelta(t, 3.75, c.TotalScore, 1e-9)
	assert.InDelta(t, 5.0, d.TotalScore, 1e-9)
}

func TestScore_FactorTexts(t *testing.T) {
	s := newScorer(t)
	dep := fixture(730, 1, true, true)
	dep.HasTests = model.Ptr(false)
	dep.HasCI = model.Ptr(false)
	dep.HasContributionGuidelines = model.Ptr(false)

	score := mustScore(t, s, dep)
	assert.Equal(t, []string{
		"Outdated: not updated in 730 days",
		"Single maintainer",
		"Deprecated package",
		"Known security issues",
		"Missing tests",
		"Missing CI",
		"Missing contribution guidelines",
	}, score.Factors)
}

func TestScore_Bounds(t *testing.T) {
	s := newScorer(t)
	inputs := []model.DependencyMetadata{
		{Name: "min", InstalledVersion: "1.0.0"},
		fixture(0, 100, false, false),
		fixture(10000, 0, true, true),
		{
			Name: "all", InstalledVersion: "0.1.0", LatestVersion: "9.0.0",
			LastUpdated: model.Ptr(now.AddDate(-20, 0, 0)), MaintainerCount: model.Ptr(1),
			IsDeprecated: true, HasKnownExploits: true,
			HasTests: model.Ptr(false), HasCI: model.Ptr(false), HasContributionGuidelines: model.Ptr(false),
			SecurityMetrics: model.SecurityMetrics{VulnerabilityCount: 40, MaxCVSSScore: 10},
		},
	}
	for _, dep := range inputs {
		score := mustScore(t, s, dep)
		assert.GreaterOrEqual(t, score.TotalScore, 0.0, dep.Name)
		assert.LessOrEqual(t, score.TotalScore, MaxScore, dep.Name)
		assert.Contains(t, model.AllRiskLevels(), score.RiskLevel)
		for _, c := range score.Contributions {
			assert.GreaterOrEqual(t, c.Score, 0.0)
			assert.LessOrEqual(t, c.Score, MaxScore)
		}
	}
}

func TestScore_ContributionsAreClampedBeforeSummation(t *testing.T) {
	w := DefaultWeights()
	w.Exploits = 50
	s, err := New(Options{Weights: &w, Clock: core.FixedClock(now)})
	require.NoError(t, err)

	score := mustScore(t, s, model.DependencyMetadata{Name: "x", InstalledVersion: "1", MaintainerCount: model.Ptr(9), HasKnownExploits: true})
	for _, c := range score.Contributions {
		if c.Factor == string(FactorExploits) {
			assert.Equal(t, MaxScore, c.Score)
		}
	}
	assert.Equal(t, MaxScore, score.TotalScore)
}

func TestScore_MonotonicInStaleness(t *testing.T) {
	s := newScorer(t)
	prev := -1.0
	for days := 0; days <= 800; days += 5 {
		score := mustScore(t, s, fixture(days, 3, false, false))
		assert.GreaterOrEqual(t, score.TotalScore, prev, "days=%d", days)
		prev = score.TotalScore
	}
}

func TestScore_AggravatingFactorScoresStrictlyHigher(t *testing.T) {
	s := newScorer(t)
	base := fixture(120, 3, false, false)
	baseScore := mustScore(t, s, base).TotalScore

	variants := map[string]func(d *model.DependencyMetadata){
		"exploit":      func(d *model.DependencyMetadata) { d.HasKnownExploits = true },
		"deprecated":   func(d *model.DependencyMetadata) { d.IsDeprecated = true },
		"no tests":     func(d *model.DependencyMetadata) { d.HasTests = model.Ptr(false) },
		"major behind": func(d *model.DependencyMetadata) { d.LatestVersion = "2.0.0" },
		"older":        func(d *model.DependencyMetadata) { d.LastUpdated = model.Ptr(now.AddDate(-2, 0, 0)) },
		"single maint": func(d *model.DependencyMetadata) { d.MaintainerCount = model.Ptr(1) },
		"unfixed vuln": func(d *model.DependencyMetadata) {
			d.SecurityMetrics = model.SecurityMetrics{VulnerabilityCount: 1, MaxCVSSScore: 7.5}
		},
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			dep := base.Clone()
			mutate(&dep)
			assert.Greater(t, mustScore(t, s, dep).TotalScore, baseScore)
		})
	}
}

func TestScore_VersionGapOrdering(t *testing.T) {
	s := newScorer(t)
	gap := func(latest string) float64 {
		dep := model.DependencyMetadata{Name: "x", InstalledVersion: "1.2.3", LatestVersion: latest, MaintainerCount: model.Ptr(9)}
		return mustScore(t, s, dep).TotalScore
	}
	none, patch, minor, major := gap("1.2.3"), gap("1.2.4"), gap("1.3.0"), gap("2.0.0")
	assert.Equal(t, 0.0, none)
	assert.Less(t, none, patch)
	assert.Less(t, patch, minor)
	assert.Less(t, minor, major)
}

func TestScore_MinimalInput(t *testing.T) {
	s := newScorer(t)
	score := mustScore(t, s, model.DependencyMetadata{Name: "leftpad", InstalledVersion: "1.0.0"})

	assert.Greater(t, score.TotalScore, 0.0)
	assert.InDelta(t, 0.525, score.TotalScore, 1e-9)
	assert.Equal(t, model.RiskLow, score.RiskLevel)
	assert.Equal(t, []string{"Maintainer count unknown"}, score.Factors)
}

func TestScore_Idempotent(t *testing.T) {
	s := newScorer(t)
	dep := fixture(400, 2, true, false)
	dep.LatestVersion = "1.4.0"
	dep.HasCI = model.Ptr(false)

	first := mustScore(t, s, dep)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, mustScore(t, s, dep))
	}
}

func TestScore_VulnerabilityFactor(t *testing.T) {
	s := newScorer(t)
	dep := fixture(10, 9, false, false)
	dep.SecurityMetrics = model.SecurityMetrics{VulnerabilityCount: 3, FixedVulnerabilityCount: 1, MaxCVSSScore: 9.8}

	score := mustScore(t, s, dep)
	assert.Equal(t, []string{"2 unfixed vulnerabilities (max CVSS 9.8)"}, score.Factors)
	assert.InDelta(t, 0.98, score.TotalScore, 1e-9)

	dep.SecurityMetrics.FixedVulnerabilityCount = 3
	assert.Equal(t, 0.0, mustScore(t, s, dep).TotalScore)
}

func TestScore_SupplementarySignalsUnsetContributeNothing(t *testing.T) {
	s := newScorer(t)
	score := mustScore(t, s, fixture(10, 9, false, false))
	assert.Empty(t, score.Factors)
	assert.Equal(t, 0.0, score.TotalScore)
}

func TestScore_LicenseFactor(t *testing.T) {
	s := newScorer(t)
	tests := []struct {
		risk  model.RiskLevel
		want  float64
		texts []string
	}{
		{model.RiskCritical, 1.5, []string{"License risk: CRITICAL (AGPL-3.0)"}},
		{model.RiskHigh, 1.13, []string{"License risk: HIGH (AGPL-3.0)"}},
		{model.RiskMedium, 0.75, []string{"License risk: MEDIUM (AGPL-3.0)"}},
		{model.RiskLow, 0, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.risk), func(t *testing.T) {
			dep := fixture(10, 9, false, false)
			dep.License = &model.LicenseInfo{ID: "AGPL-3.0", Risk: tt.risk}
			score := mustScore(t, s, dep)
			assert.InDelta(t, tt.want, score.TotalScore, 0.01)
			if tt.texts == nil {
				assert.Empty(t, score.Factors)
			} else {
				assert.Equal(t, tt.texts, score.Factors)
			}
		})
	}
}

func TestScore_CommunityFactor(t *testing.T) {
	s := newScorer(t)

	dep := fixture(10, 9, false, false)
	dep.Community = &model.CommunityMetrics{
		Stars:           model.Ptr(12),
		OpenIssues:      model.Ptr(90),
		ClosedIssues:    model.Ptr(10),
		CommitsPerMonth: model.Ptr(0.2),
	}
	score := mustScore(t, s, dep)
	assert.Equal(t, []string{"Low community activity"}, score.Factors)
	assert.InDelta(t, 0.92, score.TotalScore, 0.01)

	dep.Community = &model.CommunityMetrics{Stars: model.Ptr(20000), CommitsPerMonth: model.Ptr(40.0)}
	assert.Equal(t, 0.0, mustScore(t, s, dep).TotalScore)

	dep.Community = &model.CommunityMetrics{}
	assert.Equal(t, 0.0, mustScore(t, s, dep).TotalScore)
}

func TestScore_TransitiveFactor(t *testing.T) {
	s := newScorer(t)
	dep := fixture(10, 9, false, false)

	dep.TransitiveDependencies = model.Ptr(3)
	few := mustScore(t, s, dep)
	assert.Empty(t, few.Factors)

	dep.TransitiveDependencies = model.Ptr(150)
	many := mustScore(t, s, dep)
	assert.Equal(t, []string{"Many transitive dependencies (150)"}, many.Factors)
	assert.InDelta(t, 0.75, many.TotalScore, 1e-9)
	assert.Less(t, few.TotalScore, many.TotalScore)
}

func TestScore_RepositoryPracticeFactors(t *testing.T) {
	s := newScorer(t)
	dep := fixture(10, 9, false, false)
	dep.HasSecurityPolicy = model.Ptr(false)
	dep.HasDependencyUpdateTools = model.Ptr(false)
	dep.HasSignedCommits = model.Ptr(false)
	dep.HasBranchProtection = model.Ptr(false)

	score := mustScore(t, s, dep)
	assert.Equal(t, []string{
		"No security policy",
		"No dependency update tooling",
		"Unsigned commits",
		"No branch protection",
	}, score.Factors)
	assert.InDelta(t, 1.6, score.TotalScore, 1e-9)

	dep.HasSecurityPolicy = model.Ptr(true)
	dep.HasDependencyUpdateTools = model.Ptr(true)
	dep.HasSignedCommits = model.Ptr(true)
	dep.HasBranchProtection = model.Ptr(true)
	assert.Equal(t, 0.0, mustScore(t, s, dep).TotalScore)
}

func TestWeights_SupplementaryFactorsConfigurable(t *testing.T) {
	w, err := DefaultWeights().With(map[string]float64{"license": 0, "branch_protection": 2})
	require.NoError(t, err)
	assert.Equal(t, 0.0, w.Get(FactorLicense))
	assert.Equal(t, 2.0, w.Get(FactorBranchProtection))

	s, err := New(Options{Clock: core.FixedClock(now), Weights: &w})
	require.NoError(t, err)
	dep := fixture(10, 9, false, false)
	dep.License = &model.LicenseInfo{ID: "GPL-3.0", Risk: model.RiskCritical}
	dep.HasBranchProtection = model.Ptr(false)
	score := mustScore(t, s, dep)
	assert.Equal(t, []string{"No branch protection"}, score.Factors)
	assert.InDelta(t, 2.0, score.TotalScore, 1e-9)
}

func TestScore_InvalidInput(t *testing.T) {
	s := newScorer(t)
	_, err := s.Score(model.DependencyMetadata{InstalledVersion: "1"})
	assert.Equal(t, errors.KindInvalidInput, errors.GetKind(err))

	_, err = s.Score(model.DependencyMetadata{Name: "x", InstalledVersion: "1", SecurityMetrics: model.SecurityMetrics{MaxCVSSScore: math.NaN()}})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfiguration(t *testing.T) {
	w := DefaultWeights()
	w.Staleness = -1
	_, err := New(Options{Weights: &w})
	assert.True(t, errors.IsConfiguration(err))

	w = DefaultWeights()
	w.Health = math.Inf(1)
	_, err = New(Options{Weights: &w})
	assert.True(t, errors.IsConfiguration(err))

	for _, th := range []Thresholds{
		{Medium: 0, High: 3, Critical: 4},
		{Medium: 3, High: 2, Critical: 4},
		{Medium: 2, High: 4, Critical: 4},
		{Medium: 2, High: 3, Critical: 6},
	} {
		th := th
		_, err := New(Options{Thresholds: &th})
		assert.True(t, errors.IsConfiguration(err), "%+v", th)
	}
}

func TestWeights_With(t *testing.T) {
	w, err := DefaultWeights().With(map[string]float64{"EXPLOITS": 3, "health": 0.5})
	require.NoError(t, err)
	assert.Equal(t, 3.0, w.Exploits)
	assert.Equal(t, 0.5, w.Health)
	assert.Equal(t, 2.0, w.Staleness)

	_, err = DefaultWeights().With(map[string]float64{"popularity": 1})
	assert.True(t, errors.IsConfiguration(err))
}

func TestThresholds_Level(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		score float64
		want  model.RiskLevel
	}{
		{0, model.RiskLow},
		{1.999, model.RiskLow},
		{2.0, model.RiskMedium},
		{3.49, model.RiskMedium},
		{3.5, model.RiskHigh},
		{3.99, model.RiskHigh},
		{4.0, model.RiskCritical},
		{5.0, model.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Level(tt.score), "score %v", tt.score)
	}
}

// =============================================================================
// BuildProfile
// =============================================================================

func TestBuildProfile(t *testing.T) {
	mc := metrics.NewInMemoryCollector()
	s, err := New(Options{Clock: core.FixedClock(now), Metrics: mc})
	require.NoError(t, err)

	deps := []model.DependencyMetadata{
		fixture(15, 5, false, false),
		fixture(730, 1, true, true),
		{Name: "", InstalledVersion: "1.0.0"},
		fixture(120, 2, false, false),
	}
	profile := s.BuildProfile("requirements.txt", model.EcosystemPython, deps)

	_, err = uuid.Parse(profile.ScanID)
	assert.NoError(t, err)
	assert.Equal(t, "requirements.txt", profile.ManifestPath)
	assert.Equal(t, now, profile.ScannedAt)
	require.Len(t, profile.Dependencies, 4)

	fallback := profile.Dependencies[2].Score
	assert.True(t, fallback.Degraded)
	assert.Equal(t, model.RiskMedium, fallback.RiskLevel)
	assert.Equal(t, 2.0, fallback.TotalScore)
	require.Len(t, fallback.Factors, 1)
	assert.Contains(t, fallback.Factors[0], "Scoring failed: ")

	sum := profile.Summary
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.Low)
	assert.Equal(t, 2, sum.Medium)
	assert.Equal(t, 1, sum.Critical)
	assert.Equal(t, 1, sum.Degraded)
	assert.Equal(t, model.RiskCritical, sum.HighestRisk)
	assert.InDelta(t, (0+5+2+2.25)/4.0, sum.OverallScore, 1e-6)

	assert.Equal(t, 1.0, mc.GetCounter(metrics.ScoringFallbacks.Name))
	assert.Equal(t, 2.0, mc.GetCounter(metrics.DependenciesScored.Name, "risk_level", "MEDIUM"))
}

func TestBuildProfile_Empty(t *testing.T) {
	s := newScorer(t)
	profile := s.BuildProfile("go.mod", model.EcosystemGolang, nil)
	assert.Empty(t, profile.Dependencies)
	assert.Equal(t, 0, profile.Summary.Total)
	assert.Equal(t, 0.0, profile.Summary.OverallScore)
}

func TestBuildProfile_ScoresMatchScore(t *testing.T) {
	s := newScorer(t)
	deps := []model.DependencyMetadata{fixture(200, 2, false, false), fixture(40, 4, true, false)}
	profile := s.BuildProfile("package.json", model.EcosystemNodeJS, deps)
	for i, dep := range deps {
		assert.Equal(t, mustScore(t, s, dep), profile.Dependencies[i].Score)
	}
}
