package transform

import (
	"strings"
	"unicode"
)

// Uncategorized is the category when no label or component matches.
const Uncategorized = "Uncategorized"

// Category maps keywords to a category name.
type Category struct {
	Name     string
	Keywords []string
}

// Categories is the fixed lookup table, in priority order.
var Categories = []Category{
	{Name: "Performance", Keywords: []string{"performance", "perf", "optimization", "slow"}},
	{Name: "Bug", Keywords: []string{"bug", "defect", "error", "exception"}},
	{Name: "Feature", Keywords: []string{"feature", "enhancement", "improvement"}},
	{Name: "Documentation", Keywords: []string{"docs", "documentation", "readme"}},
	{Name: "Testing", Keywords: []string{"test", "testing", "qa"}},
	{Name: "Security", Keywords: []string{"security", "vulnerability", "cve"}},
}

// Categorize returns the category of the first label that matches the table,
// then of the first matching component. A tag matches a category when one of
// its lower-cased alphanumeric tokens equals one of the category's keywords;
// when a tag matches several categories the earliest table entry wins.
func Categorize(labels, components []string) string {
	for _, tags := range [][]string{labels, components} {
		for _, tag := range tags {
			if name, ok := categoryOf(tag); ok {
				return name
			}
		}
	}
	return Uncategorized
}

func categoryOf(tag string) (string, bool) {
	tokens := strings.FieldsFunc(strings.ToLower(tag), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, cat := range Categories {
		for _, kw := range cat.Keywords {
			for _, tok := range tokens {
				if tok == kw {
					return cat.Name, true
				}
			}
		}
	}
	return "", false
}
