// Package scoring turns dependency metadata into a weighted, bounded risk
// score and assembles project profiles from those scores.
//
// Scoring is pure: the result depends only on the dependency's fields, the
// configured weights and thresholds, and the injected clock.
package scoring

import (
	"fmt"
	"math"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/versions"
)

// Options configures a Scorer. Nil weights or thresholds use the defaults.
type Options struct {
	Weights    *Weights
	Thresholds *Thresholds
	Clock      core.Clock
	Logger     core.Logger
	Metrics    metrics.Collector
}

// Scorer computes risk scores.
type Scorer struct {
	weights    Weights
	thresholds Thresholds
	clock      core.Clock
	logger     core.Logger
	metrics    metrics.Collector
}

// New validates the weights and thresholds and returns a Scorer. Invalid
// configuration is a KindConfiguration error.
func New(opts Options) (*Scorer, error) {
	s := &Scorer{
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		clock:      opts.Clock,
		logger:     core.OrNop(opts.Logger),
		metrics:    metrics.OrNop(opts.Metrics),
	}
	if opts.Weights != nil {
		s.weights = *opts.Weights
	}
	if opts.Thresholds != nil {
		s.thresholds = *opts.Thresholds
	}
	if s.clock == nil {
		s.clock = core.SystemClock{}
	}
	if err := s.weights.Validate(); err != nil {
		return nil, err
	}
	if err := s.thresholds.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Weights returns the active weights.
func (s *Scorer) Weights() Weights { return s.weights }

// Thresholds returns the active thresholds.
func (s *Scorer) Thresholds() Thresholds { return s.thresholds }

// Score computes the risk score of dep. Only name and installed version are
// required; every unset optional field takes its least risky value, except
// an unknown maintainer count, which carries a mild penalty.
//
// Factor texts are emitted in AllFactors order.
func (s *Scorer) Score(dep model.DependencyMetadata) (model.DependencyRiskScore, error) {
	if err := dep.Validate(); err != nil {
		return model.DependencyRiskScore{}, err
	}

	result := model.DependencyRiskScore{
		Dependency:    dep.Name,
		Factors:       []string{},
		Contributions: make([]model.Contribution, 0, len(AllFactors())),
	}

	total := 0.0
	for _, f := range AllFactors() {
		value, texts := s.evaluate(f, dep)
		points := clamp(s.weights.Get(f)*value, 0, MaxScore)
		total += points
		result.Contributions = append(result.Contributions, model.Contribution{Factor: string(f), Score: round(points)})
		if points > 0 {
			result.Factors = append(result.Factors, texts...)
		}
	}

	result.TotalScore = round(clamp(total, 0, MaxScore))
	result.RiskLevel = s.thresholds.Level(result.TotalScore)
	return result, nil
}

// evaluate returns a factor's raw value (a multiplier of its weight) and
// the texts explaining it.
func (s *Scorer) evaluate(f Factor, dep model.DependencyMetadata) (float64, []string) {
	switch f {
	case FactorStaleness:
		return s.staleness(dep)
	case FactorMaintainers:
		return maintainerRisk(dep.MaintainerCount)
	case FactorDeprecation:
		if dep.IsDeprecated {
			return 1, []string{"Deprecated package"}
		}
	case FactorExploits:
		if dep.HasKnownExploits {
			return 1, []string{"Known security issues"}
		}
	case FactorVersionGap:
		return versionGap(dep.InstalledVersion, dep.LatestVersion)
	case FactorHealth:
		return health(dep)
	case FactorVulnerabilities:
		return vulnerabilityRisk(dep.SecurityMetrics)
	case FactorLicense:
		return licenseRisk(dep.License)
	case FactorCommunity:
		return communityRisk(dep.Community)
	case FactorTransitive:
		return transitiveRisk(dep.TransitiveDependencies)
	case FactorSecurityPolicy:
		return practice(dep.HasSecurityPolicy, "No security policy")
	case FactorDependencyUpdates:
		return practice(dep.HasDependencyUpdateTools, "No dependency update tooling")
	case FactorSignedCommits:
		return practice(dep.HasSignedCommits, "Unsigned commits")
	case FactorBranchProtection:
		return practice(dep.HasBranchProtection, "No branch protection")
	}
	return 0, nil
}

// staleness buckets the age since the last release:
//
//	< 30 days     0
//	30-89 days    0.25
//	90-365 days   0.6
//	> 365 days    1.0
//
// An unknown date or a date in the future counts as fresh.
func (s *Scorer) staleness(dep model.DependencyMetadata) (float64, []string) {
	if dep.LastUpdated == nil {
		return 0, nil
	}
	age := s.clock.Now().Sub(*dep.LastUpdated)
	if age < 0 {
		return 0, nil
	}
	days := int(age.Hours() / 24)

	var value float64
	switch {
	case days < 30:
		return 0, nil
	case days < 90:
		value = 0.25
	case days <= 365:
		value = 0.6
	default:
		value = 1.0
	}
	if days < 90 {
		return value, nil
	}
	return value, []string{fmt.Sprintf("Outdated: not updated in %d days", days)}
}

func maintainerRisk(count *int) (float64, []string) {
	if count == nil {
		return 0.3, []string{"Maintainer count unknown"}
	}
	switch n := *count; {
	case n <= 0:
		return 1.0, []string{"No active maintainers"}
	case n == 1:
		return 1.0, []string{"Single maintainer"}
	case n == 2:
		return 0.6, []string{"Only 2 maintainers"}
	case n < 5:
		return 0.3, nil
	default:
		return 0, nil
	}
}

func versionGap(installed, latest string) (float64, []string) {
	var value float64
	switch versions.Compare(installed, latest) {
	case versions.GapMajor:
		value = 1.0
	case versions.GapMinor, versions.GapUnknown:
		value = 0.5
	case versions.GapPatch:
		value = 0.2
	default:
		return 0, nil
	}
	if value < 0.5 {
		return value, nil
	}
	return value, []string{fmt.Sprintf("Outdated (current: %s, latest: %s)", installed, latest)}
}

// health counts the indicators explicitly reported missing. Unknown
// indicators are not penalized.
func health(dep model.DependencyMetadata) (float64, []string) {
	var texts []string
	if dep.HasTests != nil && !*dep.HasTests {
		texts = append(texts, "Missing tests")
	}
	if dep.HasCI != nil && !*dep.HasCI {
		texts = append(texts, "Missing CI")
	}
	if dep.HasContributionGuidelines != nil && !*dep.HasContributionGuidelines {
		texts = append(texts, "Missing contribution guidelines")
	}
	return float64(len(texts)), texts
}

// vulnerabilityRisk scales with the worst CVSS score among vulnerabilities
// the installed version is still exposed to.
func vulnerabilityRisk(m model.SecurityMetrics) (float64, []string) {
	unfixed := m.UnfixedCount()
	if unfixed == 0 {
		return 0, nil
	}
	value := m.MaxCVSSScore / 10
	if value <= 0 {
		value = 0.5
	}
	return math.Min(value, 1), []string{fmt.Sprintf("%d unfixed vulnerabilities (max CVSS %.1f)", unfixed, m.MaxCVSSScore)}
}

func licenseRisk(l *model.LicenseInfo) (float64, []string) {
	if l == nil {
		return 0, nil
	}
	var value float64
	switch l.Risk {
	case model.RiskCritical:
		value = 1.0
	case model.RiskHigh:
		value = 0.75
	case model.RiskMedium:
		value = 0.5
	default:
		return 0, nil
	}
	id := l.ID
	if id == "" {
		id = "unknown"
	}
	return value, []string{fmt.Sprintf("License risk: %s (%s)", l.Risk, id)}
}

// communityRisk averages the sub-scores of the signals that are present.
func communityRisk(c *model.CommunityMetrics) (float64, []string) {
	if c == nil {
		return 0, nil
	}
	var subs []float64
	if c.Stars != nil {
		switch n := *c.Stars; {
		case n >= 5000:
			subs = append(subs, 0)
		case n >= 1000:
			subs = append(subs, 0.25)
		case n >= 100:
			subs = append(subs, 0.5)
		default:
			subs = append(subs, 0.75)
		}
	}
	if c.OpenIssues != nil && c.ClosedIssues != nil && *c.OpenIssues+*c.ClosedIssues > 0 {
		ratio := float64(*c.ClosedIssues) / float64(*c.OpenIssues+*c.ClosedIssues)
		switch {
		case ratio >= 0.8:
			subs = append(subs, 0)
		case ratio >= 0.5:
			subs = append(subs, 0.25)
		case ratio >= 0.2:
			subs = append(subs, 0.5)
		default:
			subs = append(subs, 1.0)
		}
	}
	if c.CommitsPerMonth != nil {
		switch f := *c.CommitsPerMonth; {
		case f >= 10:
			subs = append(subs, 0)
		case f >= 5:
			subs = append(subs, 0.25)
		case f >= 1:
			subs = append(subs, 0.5)
		default:
			subs = append(subs, 1.0)
		}
	}
	if len(subs) == 0 {
		return 0, nil
	}
	sum := 0.0
	for _, v := range subs {
		sum += v
	}
	value := sum / float64(len(subs))
	if value < 0.5 {
		return value, nil
	}
	return value, []string{"Low community activity"}
}

func transitiveRisk(count *int) (float64, []string) {
	if count == nil || *count <= 0 {
		return 0, nil
	}
	n := *count
	var value float64
	switch {
	case n >= 100:
		value = 1.0
	case n >= 50:
		value = 0.75
	case n >= 20:
		value = 0.5
	case n >= 5:
		return 0.25, nil
	default:
		return 0.1, nil
	}
	return value, []string{fmt.Sprintf("Many transitive dependencies (%d)", n)}
}

// practice charges the full weight when a repository practice is confirmed
// absent.
func practice(present *bool, text string) (float64, []string) {
	if present == nil || *present {
		return 0, nil
	}
	return 1, []string{text}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// round trims float noise so equal inputs compare equal across platforms.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
