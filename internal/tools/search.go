package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/orbitd/internal/ignore"
)

const (
	maxGlobResults  = 1000
	maxGrepMatches  = 500
	maxGrepFileSize = 1 << 20
)

// loadIgnore returns the workspace's ignore rules. An unreadable ignore
// file falls back to the defaults.
func loadIgnore(workspace string) *ignore.Matcher {
	m, err := ignore.Load(workspace)
	if err != nil {
		return ignore.New(ignore.DefaultPatterns)
	}
	return m
}

// GlobTool lists files matching a doublestar pattern.
type GlobTool struct{}

func (GlobTool) Name() string { return NameGlob }
func (GlobTool) Description() string {
	return "Find files matching a glob pattern such as '**/*.go' or 'src/**/*.ts'."
}
func (GlobTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"pattern": {Type: "string", Description: "Glob pattern to match"},
			"path":    {Type: "string", Description: "Directory to search in (optional, defaults to the workspace)"},
		},
		Required: []string{"pattern"},
	}
}

func (GlobTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	base, err := resolvePath(env.Workspace, args.String("path"))
	if err != nil {
		return "", err
	}
	pattern := args.String("pattern")
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("invalid glob pattern %q", pattern)
	}

	ignored := loadIgnore(env.Workspace)
	var matches []string
	errLimit := errors.New("limit reached")
	err = doublestar.GlobWalk(os.DirFS(base), pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || ignored.Match(relPath(env.Workspace, filepath.Join(base, path)), false) {
			return nil
		}
		matches = append(matches, path)
		if len(matches) >= maxGlobResults {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return "", fmt.Errorf("glob: %w", err)
	}
	if len(matches) == 0 {
		return "No files matched the pattern", nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct{}

func (GrepTool) Name() string { return NameGrep }
func (GrepTool) Description() string {
	return "Search file contents with a regular expression. Returns path:line:text matches."
}
func (GrepTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"pattern":          {Type: "string", Description: "Regular expression (RE2 syntax)"},
			"path":             {Type: "string", Description: "File or directory to search (optional)"},
			"glob":             {Type: "string", Description: "Only search files matching this glob, e.g. '**/*.go'"},
			"case_insensitive": {Type: "boolean", Description: "Match case-insensitively"},
		},
		Required: []string{"pattern"},
	}
}

func (GrepTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	root, err := resolvePath(env.Workspace, args.String("path"))
	if err != nil {
		return "", err
	}
	expr := args.String("pattern")
	if args.Bool("case_insensitive") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	fileGlob := args.String("glob")
	if fileGlob != "" && !doublestar.ValidatePattern(fileGlob) {
		return "", fmt.Errorf("invalid glob %q", fileGlob)
	}

	ignored := loadIgnore(env.Workspace)
	var results []string
	errLimit := errors.New("limit reached")
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel := relPath(env.Workspace, path)
		if d.IsDir() {
			if path != root && ignored.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignored.Match(rel, false) {
			return nil
		}
		if fileGlob != "" {
			ok, _ := doublestar.Match(fileGlob, rel)
			if !ok {
				ok, _ = doublestar.Match(fileGlob, d.Name())
			}
			if !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil || isBinary(content) {
			return nil
		}

		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), maxGrepFileSize)
		line := 0
		for scanner.Scan() {
			line++
			if re.Match(scanner.Bytes()) {
				results = append(results, fmt.Sprintf("%s:%d:%s", rel, line, scanner.Text()))
				if len(results) >= maxGrepMatches {
					return errLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return "", fmt.Errorf("grep: %w", walkErr)
	}
	if len(results) == 0 {
		return "No matches found", nil
	}
	out := strings.Join(results, "\n")
	if errors.Is(walkErr, errLimit) {
		out += fmt.Sprintf("\n... (stopped after %d matches)", maxGrepMatches)
	}
	return out, nil
}

func isBinary(content []byte) bool {
	n := min(len(content), 8000)
	return bytes.IndexByte(content[:n], 0) >= 0
}
