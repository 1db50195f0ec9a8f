package severity

import (
	"testing"
)

func TestLevel_Priority(t *testing.T) {
	tests := []struct {
		level    Level
		expected int
	}{
		{Critical, 4},
		{High, 3},
		{Medium, 2},
		{Low, 1},
		{Unknown, 0},
		{Level("invalid"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := tt.level.Priority(); got != tt.expected {
				t.Errorf("Level.Priority() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLevel_IsAtLeast(t *testing.T) {
	tests := []struct {
		a, b     Level
		expected bool
	}{
		{Critical, High, true},
		{High, High, true},
		{Medium, High, false},
		{Unknown, Low, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.a)+"_"+string(tt.b), func(t *testing.T) {
			if got := tt.a.IsAtLeast(tt.b); got != tt.expected {
				t.Errorf("%v.IsAtLeast(%v) = %v, want %v", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestAllLevels(t *testing.T) {
	levels := AllLevels()
	for i := 1; i < len(levels); i++ {
		if !levels[i-1].IsHigherThan(levels[i]) {
			t.Errorf("AllLevels()[%d] = %v is not higher than %v", i-1, levels[i-1], levels[i])
		}
	}
}

func TestFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"CRITICAL", Critical},
		{"critical", Critical},
		{" High ", High},
		{"MODERATE", Medium},
		{"moderate", Medium},
		{"MEDIUM", Medium},
		{"LOW", Low},
		{"info", Low},
		{"", Unknown},
		{"bogus", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := FromString(tt.input); got != tt.expected {
				t.Errorf("FromString(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFromCVSS(t *testing.T) {
	tests := []struct {
		score    float64
		expected Level
	}{
		{10.0, Critical},
		{9.0, Critical},
		{8.9, High},
		{7.0, High},
		{6.9, Medium},
		{4.0, Medium},
		{3.9, Low},
		{0, Low},
	}

	for _, tt := range tests {
		if got := FromCVSS(tt.score); got != tt.expected {
			t.Errorf("FromCVSS(%v) = %v, want %v", tt.score, got, tt.expected)
		}
	}
}

func TestLevel_Score(t *testing.T) {
	tests := []struct {
		level    Level
		expected float64
	}{
		{Critical, 10},
		{High, 8},
		{Medium, 5},
		{Low, 3},
		{Unknown, 0},
	}

	for _, tt := range tests {
		if got := tt.level.Score(); got != tt.expected {
			t.Errorf("%v.Score() = %v, want %v", tt.level, got, tt.expected)
		}
	}
}

func TestCompareAndMax(t *testing.T) {
	if Compare(Low, High) != -1 || Compare(High, Low) != 1 || Compare(Medium, Medium) != 0 {
		t.Error("Compare() ordering is wrong")
	}
	if got := Max(Medium, Critical); got != Critical {
		t.Errorf("Max(Medium, Critical) = %v, want Critical", got)
	}
	if got := Max(Unknown, Low); got != Low {
		t.Errorf("Max(Unknown, Low) = %v, want Low", got)
	}
}

func TestCountBySeverity(t *testing.T) {
	var c CountBySeverity
	if got := c.HighestSeverity(); got != Unknown {
		t.Errorf("empty HighestSeverity() = %v, want Unknown", got)
	}
	for _, l := range []Level{Low, High, High, Unknown} {
		c.Increment(l)
	}
	if c.Total != 4 || c.High != 2 || c.Low != 1 || c.Unknown != 1 {
		t.Errorf("counts = %+v", c)
	}
	if got := c.HighestSeverity(); got != High {
		t.Errorf("HighestSeverity() = %v, want High", got)
	}
}
