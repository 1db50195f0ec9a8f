package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		installed, latest string
		want              Gap
	}{
		{"1.2.3", "", GapNone},
		{"1.2.3", "1.2.3", GapNone},
		{"1.2.3", "1.2.4", GapPatch},
		{"1.2.3", "1.4.0", GapMinor},
		{"1.2.3", "3.0.0", GapMajor},
		{"v1.2.3", "v2.0.0", GapMajor},
		{"2.0.0", "1.9.9", GapNone},
		{"1.0.0-rc1", "1.0.0", GapPatch},
		{"not-a-version", "1.0.0", GapUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Compare(c.installed, c.latest), "%s -> %s", c.installed, c.latest)
	}
}

func TestGapOrdering(t *testing.T) {
	assert.Less(t, int(GapPatch), int(GapMinor))
	assert.Less(t, int(GapMinor), int(GapMajor))
	assert.Equal(t, "major", GapMajor.String())
}

func TestIsFixed(t *testing.T) {
	cases := []struct {
		name      string
		installed string
		fixed     []string
		want      bool
	}{
		{"no fixes", "1.0.0", nil, false},
		{"at fix", "1.2.5", []string{"1.2.5"}, true},
		{"past fix", "1.3.0", []string{"1.2.5"}, true},
		{"before fix", "1.2.4", []string{"1.2.5"}, false},
		{"other release line ignored", "2.0.0", []string{"1.2.5", "2.0.1"}, false},
		{"same release line", "2.0.1", []string{"1.2.5", "2.0.1"}, true},
		{"constraint", "4.17.21", []string{">=4.17.21"}, true},
		{"constraint miss", "4.17.20", []string{">=4.17.21"}, false},
		{"unparseable exact", "abc", []string{"abc"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsFixed(c.installed, c.fixed))
		})
	}
}
