package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	cases := []struct {
		name       string
		labels     []string
		components []string
		want       string
	}{
		{"token in label", []string{"perf-regression"}, nil, "Performance"},
		{"first label wins", []string{"needs-docs", "security"}, nil, "Documentation"},
		{"labels before components", []string{"qa"}, []string{"Security"}, "Testing"},
		{"component fallback", []string{"newbie"}, []string{"Security"}, "Security"},
		{"table order within a tag", []string{"bug-performance"}, nil, "Performance"},
		{"case insensitive", []string{"CVE"}, nil, "Security"},
		{"substring is not a token", []string{"latest"}, nil, Uncategorized},
		{"no tags", nil, nil, Uncategorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Categorize(tc.labels, tc.components))
		})
	}
}

func TestCategorizeIsDeterministic(t *testing.T) {
	labels := []string{"improvement", "slow", "docs"}
	first := Categorize(labels, []string{"core"})
	for range 50 {
		assert.Equal(t, first, Categorize(labels, []string{"core"}))
	}
	assert.Equal(t, "Feature", first)
}
