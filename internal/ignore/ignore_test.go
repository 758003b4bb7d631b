package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   rule
		wantOK bool
	}{
		{"empty line", "", rule{}, false},
		{"whitespace only", "   ", rule{}, false},
		{"comment", "# build output", rule{}, false},
		{"negation dropped", "!keep.log", rule{}, false},
		{"file glob matches anywhere", "*.log", rule{glob: "**/*.log"}, true},
		{"bare name matches anywhere", "dist", rule{glob: "**/dist"}, true},
		{"directory only", "node_modules/", rule{glob: "**/node_modules", dirOnly: true}, true},
		{"rooted", "/coverage", rule{glob: "coverage"}, true},
		{"nested is rooted", "vendor/cache", rule{glob: "vendor/cache"}, true},
		{"explicit double star", "**/tmp/", rule{glob: "**/tmp", dirOnly: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	m := New([]string{"*.log", "build/", "/secret.txt", "docs/generated"})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"app.log", false, true},
		{"logs/deep/app.log", false, true},
		{"build", true, true},
		{"build", false, false},
		{"build/out/main.o", false, true},
		{"web/build/index.js", false, true},
		{"secret.txt", false, true},
		{"nested/secret.txt", false, false},
		{"docs/generated/api.md", false, true},
		{"docs/guide.md", false, false},
		{"main.go", false, false},
		{"", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_NilIgnoresNothing(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything.log", false))
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	gitignore := "# outputs\ndist/\n*.pyc\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(gitignore), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".orbitdignore"), []byte("fixtures/\n"), 0o644))

	m, err := Load(root)
	require.NoError(t, err)

	assert.True(t, m.Match("dist/bundle.js", false))
	assert.True(t, m.Match("pkg/mod.pyc", false))
	assert.True(t, m.Match("testdata/fixtures/a.json", false))
	assert.True(t, m.Match(".git/config", false), "default patterns always apply")
	assert.True(t, m.Match("web/node_modules/react/index.js", false))
	assert.False(t, m.Match("src/main.py", false))
}

func TestLoad_NoFiles(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, m.Match("vendor/x/y.go", false))
	assert.False(t, m.Match("main.go", false))
}
