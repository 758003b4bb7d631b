package github

import (
	"slices"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

// AutomationLabel is applied to every pull request orbitd opens.
const AutomationLabel = "automation: orbitd"

// LabelRule assigns Label when any changed path matches one of Patterns
// or any word of the title starts with one of Keywords. Paths are matched
// lowercased with doublestar syntax.
type LabelRule struct {
	Label    string
	Patterns []string
	Keywords []string
}

// DefaultLabelRules are the type and scope rules.
var DefaultLabelRules = []LabelRule{
	{
		Label:    "type: security",
		Patterns: []string{"**/*auth*", "**/*auth*/**"},
		Keywords: []string{"security", "vulnerability", "auth", "authentication", "authorization"},
	},
	{
		Label:    "type: bugfix",
		Keywords: []string{"fix", "bug", "error", "issue", "problem", "resolve"},
	},
	{
		Label:    "type: performance",
		Keywords: []string{"performance", "optimize", "speed", "faster", "efficiency", "memory"},
	},
	{
		Label:    "type: refactor",
		Keywords: []string{"refactor", "cleanup", "reorganize", "restructure", "improve"},
	},
	{
		Label:    "type: feature",
		Keywords: []string{"feature", "add", "implement", "create", "new", "enhancement"},
	},
	{
		Label: "type: configuration",
		Patterns: []string{
			"**/*.{json,yml,yaml,toml,ini}",
			"**/*config*", "**/*config*/**",
			"**/dockerfile*", "**/docker-compose*",
		},
	},
	{
		Label:    "type: documentation",
		Patterns: []string{"**/*.{md,rst,txt}", "**/doc*/**", "**/readme*"},
		Keywords: []string{"documentation", "readme", "docs", "guide", "manual"},
	},
	{
		Label:    "type: tests",
		Patterns: []string{"**/*test*", "**/*test*/**", "**/*spec*", "**/*spec*/**"},
		Keywords: []string{"test", "testing", "coverage"},
	},
	{
		Label:    "scope: frontend",
		Patterns: []string{"**/*.{tsx,jsx,vue,html,css,scss,sass}", "**/*component*", "**/*component*/**"},
	},
	{
		Label:    "scope: backend",
		Patterns: []string{"**/*.{py,js,ts,java,go,rs}", "api/**", "src/api/**"},
	},
	{
		Label: "scope: database",
		Patterns: []string{
			"**/*.sql",
			"**/*migration*", "**/*migration*/**",
			"**/*schema*", "**/*schema*/**",
			"**/*prisma*", "**/*prisma*/**",
		},
	},
	{
		Label: "scope: infrastructure",
		Patterns: []string{
			".github/**", ".gitlab/**", ".gitlab-ci.yml",
			"**/ci/**", "**/deploy*/**", "**/dockerfile*",
		},
	},
}

// sizeLabels are upper bounds on changed lines, inclusive.
var sizeLabels = []struct {
	max   int
	label string
}{
	{10, "size: xs"},
	{50, "size: s"},
	{200, "size: m"},
	{500, "size: l"},
}

// SizeLabel returns the size label for a total number of changed lines.
func SizeLabel(total int) string {
	for _, s := range sizeLabels {
		if total <= s.max {
			return s.label
		}
	}
	return "size: xl"
}

// Labels returns the labels for a pull request: matching rule labels in
// rule order, the size label and AutomationLabel.
func Labels(rules []LabelRule, changes []workspace.FileChange, title string) []string {
	words := titleWords(title)
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, strings.ToLower(c.Path))
	}

	var labels []string
	for _, r := range rules {
		if r.matchesPaths(paths) || r.matchesWords(words) {
			labels = appendUnique(labels, r.Label)
		}
	}
	labels = appendUnique(labels, SizeLabel(workspace.TotalLines(changes)))
	return appendUnique(labels, AutomationLabel)
}

func (r LabelRule) matchesPaths(paths []string) bool {
	for _, p := range paths {
		for _, pattern := range r.Patterns {
			// Invalid patterns never match.
			if ok, _ := doublestar.Match(pattern, p); ok {
				return true
			}
		}
	}
	return false
}

func (r LabelRule) matchesWords(words []string) bool {
	for _, w := range words {
		for _, kw := range r.Keywords {
			if strings.HasPrefix(w, kw) {
				return true
			}
		}
	}
	return false
}

func titleWords(title string) []string {
	return strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func appendUnique(labels []string, label string) []string {
	if slices.Contains(labels, label) {
		return labels
	}
	return append(labels, label)
}
