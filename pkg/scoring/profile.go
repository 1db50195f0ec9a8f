package scoring

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
)

// BuildProfile scores every dependency independently and summarizes the
// results. A dependency that cannot be scored is recorded with a fallback
// score instead of failing the profile. Dependencies keep their input order.
func (s *Scorer) BuildProfile(manifestPath string, ecosystem model.Ecosystem, deps []model.DependencyMetadata) *model.ProjectRiskProfile {
	profile := &model.ProjectRiskProfile{
		ScanID:       uuid.NewString(),
		ManifestPath: manifestPath,
		Ecosystem:    ecosystem,
		ScannedAt:    s.clock.Now().UTC(),
		Dependencies: make([]model.ScoredDependency, 0, len(deps)),
	}

	for _, dep := range deps {
		score := s.scoreOrFallback(dep)
		profile.Dependencies = append(profile.Dependencies, model.ScoredDependency{
			Dependency: dep,
			Score:      score,
		})
	}
	profile.Summary = Summarize(profile.Dependencies)
	return profile
}

// Summarize counts scores per level and averages the totals.
func Summarize(deps []model.ScoredDependency) model.RiskSummary {
	var summary model.RiskSummary
	total := 0.0
	for _, d := range deps {
		summary.Add(d.Score)
		total += d.Score.TotalScore
	}
	if summary.Total > 0 {
		summary.OverallScore = round(total / float64(summary.Total))
	}
	return summary
}

// Fallback is the minimum-confidence score recorded when scoring fails: the
// MEDIUM threshold, flagged as degraded.
func (s *Scorer) Fallback(name, reason string) model.DependencyRiskScore {
	return model.DependencyRiskScore{
		Dependency: name,
		TotalScore: s.thresholds.Medium,
		RiskLevel:  model.RiskMedium,
		Factors:    []string{"Scoring failed: " + reason},
		Degraded:   true,
	}
}

func (s *Scorer) scoreOrFallback(dep model.DependencyMetadata) (score model.DependencyRiskScore) {
	defer func() {
		if r := recover(); r != nil {
			score = s.fallback(dep, fmt.Sprint(r))
		}
	}()

	score, err := s.Score(dep)
	if err != nil {
		return s.fallback(dep, err.Error())
	}
	if missing := dep.MissingFields(); len(missing) > 0 {
		s.logger.Debug("%s: defaulted unset fields %v", dep.Name, missing)
	}
	s.metrics.CounterInc(metrics.DependenciesScored.Name, "risk_level", string(score.RiskLevel))
	return score
}

func (s *Scorer) fallback(dep model.DependencyMetadata, reason string) model.DependencyRiskScore {
	s.logger.Error("scoring failed for %q, recording fallback score: %s", dep.Name, reason)
	s.metrics.CounterInc(metrics.ScoringFallbacks.Name)
	s.metrics.CounterInc(metrics.DependenciesScored.Name, "risk_level", string(model.RiskMedium))
	return s.Fallback(dep.Name, reason)
}
