package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Assembled at runtime so the literal never appears in source.
var githubPAT = "ghp_" + strings.Repeat("A1b2C3d4E5", 3) + "f6G7h8"

func newTestRedactor(t *testing.T, allowlist string) *Redactor {
	t.Helper()
	opts := Options{Enabled: true}
	if allowlist != "" {
		opts.AllowlistPath = filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(opts.AllowlistPath, []byte(allowlist), 0600))
	}
	r, err := NewRedactor(opts)
	require.NoError(t, err)
	return r
}

func TestRedactor_RedactsGitHubToken(t *testing.T) {
	r := newTestRedactor(t, "")

	out := r.Redact("export GITHUB_TOKEN=" + githubPAT)

	assert.NotContains(t, out, githubPAT)
	assert.Contains(t, out, "[REDACTED:")
}

func TestRedactor_CleanContentUnchanged(t *testing.T) {
	r := newTestRedactor(t, "")
	in := "go test ./... -run TestDarkMode"
	assert.Equal(t, in, r.Redact(in))
}

func TestRedactor_RedactValue(t *testing.T) {
	r := newTestRedactor(t, "")
	input := map[string]any{
		"command": "curl -H 'Authorization: token " + githubPAT + "' https://api.github.com",
		"timeout": float64(30),
		"files":   []any{"a.go", "b.go"},
	}

	out := r.RedactMap(input)

	assert.NotContains(t, out["command"], githubPAT)
	assert.Equal(t, float64(30), out["timeout"])
	assert.Equal(t, []any{"a.go", "b.go"}, out["files"])
	// Input untouched.
	assert.Contains(t, input["command"], githubPAT)
}

func TestRedactor_Disabled(t *testing.T) {
	r, err := NewRedactor(Options{Enabled: false})
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	in := "token " + githubPAT
	assert.Equal(t, in, r.Redact(in))

	var nilRedactor *Redactor
	assert.Equal(t, in, nilRedactor.Redact(in))
}

func TestLoadAllowlist(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		al, err := LoadAllowlist(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Empty(t, al.Regexes)
	})

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''EXAMPLE_[A-Z]+''']\nstopwords = [\"dummy\"]\n"), 0600))
		al, err := LoadAllowlist(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"EXAMPLE_[A-Z]+"}, al.Regexes)
		assert.Equal(t, []string{"dummy"}, al.StopWords)
	})

	t.Run("bad regex", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''([''']\n"), 0600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidRegex)
	})

	t.Run("bad toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "allowlist.toml")
		require.NoError(t, os.WriteFile(path, []byte("[allowlist\n"), 0600))
		_, err := LoadAllowlist(path)
		assert.ErrorIs(t, err, ErrInvalidTOML)
	})
}
