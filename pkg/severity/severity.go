// Package severity provides the ordinal severity scale shared by advisory
// sources, the aggregator and the scorer.
package severity

import "strings"

// Level represents the severity of a vulnerability.
type Level string

const (
	// Critical - actively exploited or trivially exploitable.
	Critical Level = "critical"

	// High - serious vulnerability that should be addressed urgently.
	High Level = "high"

	// Medium - moderate risk.
	Medium Level = "medium"

	// Low - minor issue.
	Low Level = "low"

	// Unknown - the source did not rate the vulnerability.
	Unknown Level = "unknown"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Unknown}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// FromString normalizes the severity labels used by advisory sources:
//   - GitHub: low, moderate, high, critical
//   - OSV database_specific: LOW, MODERATE, HIGH, CRITICAL
//   - NVD baseSeverity: LOW, MEDIUM, HIGH, CRITICAL
//   - npm audit: info, low, moderate, high, critical
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH", "SEVERE", "IMPORTANT":
		return High
	case "MEDIUM", "MODERATE", "MED":
		return Medium
	case "LOW", "INFO", "NONE", "MINOR":
		return Low
	default:
		return Unknown
	}
}

// FromCVSS converts a CVSS score (0.0-10.0) to a severity level.
// Based on CVSS v3.0 severity ratings:
//   - 9.0-10.0: Critical
//   - 7.0-8.9: High
//   - 4.0-6.9: Medium
//   - 0.0-3.9: Low
func FromCVSS(score float64) Level {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	default:
		return Low
	}
}

// Score returns the representative CVSS score for a level. It stands in for
// max_cvss_score when a record carries a severity but no numeric score.
func (l Level) Score() float64 {
	switch l {
	case Critical:
		return 10.0
	case High:
		return 8.0
	case Medium:
		return 5.0
	case Low:
		return 3.0
	default:
		return 0
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// CountBySeverity counts vulnerabilities by severity level.
type CountBySeverity struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	default:
		c.Unknown++
	}
}

// HighestSeverity returns the highest severity level that has a non-zero count.
func (c *CountBySeverity) HighestSeverity() Level {
	switch {
	case c.Critical > 0:
		return Critical
	case c.High > 0:
		return High
	case c.Medium > 0:
		return Medium
	case c.Low > 0:
		return Low
	default:
		return Unknown
	}
}
