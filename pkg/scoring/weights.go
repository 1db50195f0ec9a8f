package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
)

// MaxScore bounds every factor contribution and the total.
const MaxScore = 5.0

// Factor names a scoring factor.
type Factor string

const (
	FactorStaleness       Factor = "staleness"
	FactorMaintainers     Factor = "maintainers"
	FactorDeprecation     Factor = "deprecation"
	FactorExploits        Factor = "exploits"
	FactorVersionGap      Factor = "version_gap"
	FactorHealth          Factor = "health"
	FactorVulnerabilities Factor = "vulnerabilities"

	// Supplementary factors only score when the analyzer reported the data.
	FactorLicense           Factor = "license"
	FactorCommunity         Factor = "community"
	FactorTransitive        Factor = "transitive"
	FactorSecurityPolicy    Factor = "security_policy"
	FactorDependencyUpdates Factor = "dependency_updates"
	FactorSignedCommits     Factor = "signed_commits"
	FactorBranchProtection  Factor = "branch_protection"
)

// AllFactors returns the factors in evaluation order.
func AllFactors() []Factor {
	return []Factor{
		FactorStaleness,
		FactorMaintainers,
		FactorDeprecation,
		FactorExploits,
		FactorVersionGap,
		FactorHealth,
		FactorVulnerabilities,
		FactorLicense,
		FactorCommunity,
		FactorTransitive,
		FactorSecurityPolicy,
		FactorDependencyUpdates,
		FactorSignedCommits,
		FactorBranchProtection,
	}
}

// Weights is the maximum number of points each factor can add. Health is
// charged per missing item.
type Weights struct {
	Staleness       float64 `mapstructure:"staleness" yaml:"staleness" json:"staleness"`
	Maintainers     float64 `mapstructure:"maintainers" yaml:"maintainers" json:"maintainers"`
	Deprecation     float64 `mapstructure:"deprecation" yaml:"deprecation" json:"deprecation"`
	Exploits        float64 `mapstructure:"exploits" yaml:"exploits" json:"exploits"`
	VersionGap      float64 `mapstructure:"version_gap" yaml:"version_gap" json:"version_gap"`
	Health          float64 `mapstructure:"health" yaml:"health" json:"health"`
	Vulnerabilities float64 `mapstructure:"vulnerabilities" yaml:"vulnerabilities" json:"vulnerabilities"`

	License           float64 `mapstructure:"license" yaml:"license" json:"license"`
	Community         float64 `mapstructure:"community" yaml:"community" json:"community"`
	Transitive        float64 `mapstructure:"transitive" yaml:"transitive" json:"transitive"`
	SecurityPolicy    float64 `mapstructure:"security_policy" yaml:"security_policy" json:"security_policy"`
	DependencyUpdates float64 `mapstructure:"dependency_updates" yaml:"dependency_updates" json:"dependency_updates"`
	SignedCommits     float64 `mapstructure:"signed_commits" yaml:"signed_commits" json:"signed_commits"`
	BranchProtection  float64 `mapstructure:"branch_protection" yaml:"branch_protection" json:"branch_protection"`
}

// DefaultWeights returns the documented defaults. Exploit presence is the
// heaviest factor.
func DefaultWeights() Weights {
	return Weights{
		Staleness:       2.0,
		Maintainers:     1.75,
		Deprecation:     1.5,
		Exploits:        2.5,
		VersionGap:      1.5,
		Health:          0.25,
		Vulnerabilities: 1.0,

		License:           1.5,
		Community:         1.0,
		Transitive:        0.75,
		SecurityPolicy:    0.5,
		DependencyUpdates: 0.4,
		SignedCommits:     0.4,
		BranchProtection:  0.3,
	}
}

// Get returns the weight of f.
func (w Weights) Get(f Factor) float64 {
	switch f {
	case FactorStaleness:
		return w.Staleness
	case FactorMaintainers:
		return w.Maintainers
	case FactorDeprecation:
		return w.Deprecation
	case FactorExploits:
		return w.Exploits
	case FactorVersionGap:
		return w.VersionGap
	case FactorHealth:
		return w.Health
	case FactorVulnerabilities:
		return w.Vulnerabilities
	case FactorLicense:
		return w.License
	case FactorCommunity:
		return w.Community
	case FactorTransitive:
		return w.Transitive
	case FactorSecurityPolicy:
		return w.SecurityPolicy
	case FactorDependencyUpdates:
		return w.DependencyUpdates
	case FactorSignedCommits:
		return w.SignedCommits
	case FactorBranchProtection:
		return w.BranchProtection
	default:
		return 0
	}
}

// With returns a copy of w with the given factors overridden. Unknown
// factor names are a configuration error.
func (w Weights) With(overrides map[string]float64) (Weights, error) {
	for name, v := range overrides {
		switch Factor(strings.ToLower(name)) {
		case FactorStaleness:
			w.Staleness = v
		case FactorMaintainers:
			w.Maintainers = v
		case FactorDeprecation:
			w.Deprecation = v
		case FactorExploits:
			w.Exploits = v
		case FactorVersionGap:
			w.VersionGap = v
		case FactorHealth:
			w.Health = v
		case FactorVulnerabilities:
			w.Vulnerabilities = v
		case FactorLicense:
			w.License = v
		case FactorCommunity:
			w.Community = v
		case FactorTransitive:
			w.Transitive = v
		case FactorSecurityPolicy:
			w.SecurityPolicy = v
		case FactorDependencyUpdates:
			w.DependencyUpdates = v
		case FactorSignedCommits:
			w.SignedCommits = v
		case FactorBranchProtection:
			w.BranchProtection = v
		default:
			return w, errors.E(errors.KindConfiguration, "scoring.Weights.With", "unknown factor "+name)
		}
	}
	return w, w.Validate()
}

// Validate rejects negative or non-finite weights.
func (w Weights) Validate() error {
	for _, f := range AllFactors() {
		v := w.Get(f)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return errors.E(errors.KindConfiguration, "scoring.Weights.Validate",
				fmt.Sprintf("weight %s must be a finite non-negative number, got %v", f, v))
		}
	}
	return nil
}

// Thresholds are the lower bounds of the MEDIUM, HIGH and CRITICAL levels.
// Anything below Medium is LOW.
type Thresholds struct {
	Medium   float64 `mapstructure:"medium" yaml:"medium" json:"medium"`
	High     float64 `mapstructure:"high" yaml:"high" json:"high"`
	Critical float64 `mapstructure:"critical" yaml:"critical" json:"critical"`
}

// DefaultThresholds returns LOW < 2.0 <= MEDIUM < 3.5 <= HIGH < 4.0 <= CRITICAL.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 2.0, High: 3.5, Critical: 4.0}
}

// Validate requires 0 < Medium < High < Critical <= MaxScore.
func (t Thresholds) Validate() error {
	ok := t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= MaxScore
	if !ok {
		return errors.E(errors.KindConfiguration, "scoring.Thresholds.Validate",
			fmt.Sprintf("thresholds must satisfy 0 < medium < high < critical <= %.1f, got %.2f/%.2f/%.2f",
				MaxScore, t.Medium, t.High, t.Critical))
	}
	return nil
}

// Level classifies a total score. It is a non-decreasing step function.
func (t Thresholds) Level(score float64) model.RiskLevel {
	switch {
	case score >= t.Critical:
		return model.RiskCritical
	case score >= t.High:
		return model.RiskHigh
	case score >= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}
