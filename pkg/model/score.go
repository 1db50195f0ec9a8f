package model

import (
	"time"
)

// RiskLevel is the discrete bucket of a composite score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Priority orders levels, higher is worse.
func (l RiskLevel) Priority() int {
	switch l {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// AllRiskLevels returns the levels from lowest to highest.
func AllRiskLevels() []RiskLevel {
	return []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}
}

// Contribution is one factor's share of a total score.
type Contribution struct {
	Factor string  `json:"factor"`
	Score  float64 `json:"score"`
}

// DependencyRiskScore is the result of scoring one dependency.
type DependencyRiskScore struct {
	Dependency    string         `json:"dependency"`
	TotalScore    float64        `json:"total_score"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	Factors       []string       `json:"factors"`
	Contributions []Contribution `json:"contributions,omitempty"`

	// Degraded is set when scoring failed and a fallback score was recorded.
	Degraded bool `json:"degraded,omitempty"`
}

// ScoredDependency pairs a dependency with its score.
type ScoredDependency struct {
	Dependency      DependencyMetadata  `json:"dependency"`
	Score           DependencyRiskScore `json:"score"`
	Vulnerabilities []Vulnerability     `json:"vulnerabilities,omitempty"`
}

// RiskSummary counts dependencies per risk level.
type RiskSummary struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
	Total    int `json:"total"`

	OverallScore float64   `json:"overall_score"`
	HighestRisk  RiskLevel `json:"highest_risk,omitempty"`
	Degraded     int       `json:"degraded,omitempty"`
}

// Add counts one score.
func (s *RiskSummary) Add(score DependencyRiskScore) {
	s.Total++
	switch score.RiskLevel {
	case RiskCritical:
		s.Critical++
	case RiskHigh:
		s.High++
	case RiskMedium:
		s.Medium++
	default:
		s.Low++
	}
	if score.Degraded {
		s.Degraded++
	}
	if score.RiskLevel.Priority() > s.HighestRisk.Priority() {
		s.HighestRisk = score.RiskLevel
	}
}

// Count returns the number of dependencies at level.
func (s RiskSummary) Count(level RiskLevel) int {
	switch level {
	case RiskCritical:
		return s.Critical
	case RiskHigh:
		return s.High
	case RiskMedium:
		return s.Medium
	case RiskLow:
		return s.Low
	default:
		return 0
	}
}

// ProjectRiskProfile is the project-level result of one scoring run.
type ProjectRiskProfile struct {
	ScanID       string             `json:"scan_id"`
	ManifestPath string             `json:"manifest_path"`
	Ecosystem    Ecosystem          `json:"ecosystem"`
	ScannedAt    time.Time          `json:"scanned_at"`
	Dependencies []ScoredDependency `json:"dependencies"`
	Summary      RiskSummary        `json:"summary"`

	// Notes carry degradations such as "source nvd unavailable".
	Notes []string `json:"notes,omitempty"`

	// Incomplete is set when the run was interrupted before every
	// dependency was aggregated.
	Incomplete bool `json:"incomplete,omitempty"`
}
