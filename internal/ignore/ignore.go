// Package ignore decides which workspace paths the search tools skip.
//
// Rules come from gitignore-style files at the workspace root plus a fixed
// default set. Negation patterns are not supported and are dropped.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFiles are read from the workspace root, in order.
var DefaultFiles = []string{".gitignore", ".orbitdignore"}

// DefaultPatterns are always ignored.
var DefaultPatterns = []string{".git/", "node_modules/", "vendor/"}

type rule struct {
	glob    string
	dirOnly bool
}

// Matcher reports whether a workspace-relative path is ignored.
// The zero value ignores nothing.
type Matcher struct {
	rules []rule
}

// New builds a Matcher from gitignore-style patterns.
func New(patterns []string) *Matcher {
	m := &Matcher{}
	seen := make(map[rule]bool)
	for _, p := range patterns {
		r, ok := parseLine(p)
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		m.rules = append(m.rules, r)
	}
	return m
}

// Load reads DefaultFiles under root and combines them with
// DefaultPatterns. Missing files are skipped.
func Load(root string) (*Matcher, error) {
	patterns := append([]string(nil), DefaultPatterns...)
	for _, name := range DefaultFiles {
		lines, err := readLines(filepath.Join(root, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, lines...)
	}
	return New(patterns), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// parseLine converts one gitignore line to a rule. Comments, blank lines
// and negations yield ok == false.
func parseLine(line string) (rule, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return rule{}, false
	}

	var r rule
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	// A slash anywhere but the end anchors the pattern to the root.
	anchored := strings.Contains(line, "/")
	line = strings.TrimPrefix(line, "/")
	if line == "" {
		return rule{}, false
	}
	if !anchored && !strings.HasPrefix(line, "**/") {
		line = "**/" + line
	}
	if !doublestar.ValidatePattern(line) {
		return rule{}, false
	}
	r.glob = line
	return r, true
}

// Match reports whether rel, a slash-separated path relative to the
// workspace root, is ignored directly or through an ignored parent.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	if m.matchOne(rel, isDir) {
		return true
	}
	for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if m.matchOne(dir, true) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchOne(p string, isDir bool) bool {
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if ok, _ := doublestar.Match(r.glob, p); ok {
			return true
		}
	}
	return false
}
