package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/orchestrator"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

// fakeGitHub serves the handful of endpoints the Finalizer uses.
type fakeGitHub struct {
	mu          sync.Mutex
	repoGets    int
	created     map[string]any
	labels      []string
	existing    bool
	createCode  int
	labelsCode  int
	createCalls int
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.repoGets++
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"name":           "widgets",
			"default_branch": "main",
			"private":        true,
			"html_url":       "https://github.com/acme/widgets",
		})
	})
	mux.HandleFunc("GET /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.existing && r.URL.Query().Get("head") == "acme:feature/dark-mode" {
			writeJSON(w, http.StatusOK, []map[string]any{{"number": 7, "html_url": "https://github.com/acme/widgets/pull/7"}})
			return
		}
		writeJSON(w, http.StatusOK, []any{})
	})
	mux.HandleFunc("POST /repos/acme/widgets/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCalls++
		if f.createCode != 0 {
			writeJSON(w, f.createCode, map[string]any{"message": "nope"})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.created)
		writeJSON(w, http.StatusCreated, map[string]any{"number": 42, "html_url": "https://github.com/acme/widgets/pull/42"})
	})
	mux.HandleFunc("POST /repos/acme/widgets/issues/42/labels", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.labelsCode != 0 {
			writeJSON(w, f.labelsCode, map[string]any{"message": "labels broke"})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.labels)
		writeJSON(w, http.StatusOK, []any{})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// featureRepo creates a repository on main with a feature branch checked
// out that adds two files.
func featureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{"https://github.com/acme/widgets.git"},
	})
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	commit := func(name, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
		_, err = wt.Commit("add "+name, &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		require.NoError(t, err)
	}

	commit("README.md", "# widgets\n")
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature/dark-mode"),
		Create: true,
	}))
	commit("web/theme.css", "body { background: #111; }\n")
	commit("web/Toggle.tsx", "export const Toggle = () => null;\n")
	return dir
}

type pushCall struct {
	path, branch, token string
}

func newTestFinalizer(t *testing.T, fake *fakeGitHub, kv store.KV, cfg config.GitHubConfig) (*Finalizer, *[]pushCall) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), config.Secret("test-token"), srv.URL)
	require.NoError(t, err)

	cfg.Token = config.Secret("test-token")
	cfg.MaxRetries = 1
	cfg.InitialBackoff = config.Duration(10 * time.Millisecond)
	cfg.MaxBackoff = config.Duration(20 * time.Millisecond)

	var pushes []pushCall
	f := New(client, kv, cfg, WithPush(func(_ context.Context, path, branch, token string) error {
		pushes = append(pushes, pushCall{path, branch, token})
		return nil
	}))
	return f, &pushes
}

func finalizeRequest(dir string) orchestrator.FinalizeRequest {
	return orchestrator.FinalizeRequest{
		ProjectID:      "p1",
		FeatureRequest: "Add dark mode toggle\nwith persisted preference",
		Plan:           "1. Add CSS variables\n2. Add toggle",
		Summary:        "Dark mode is implemented.",
		Workspace:      &workspace.Workspace{ProjectID: "p1", Path: dir},
	}
}

func TestFinalizer_CreatesLabeledPullRequest(t *testing.T) {
	dir := featureRepo(t)
	fake := &fakeGitHub{}
	f, pushes := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{Draft: true})

	pr, err := f.Finalize(context.Background(), finalizeRequest(dir))
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", pr.URL)

	require.Len(t, *pushes, 1)
	assert.Equal(t, pushCall{dir, "feature/dark-mode", "test-token"}, (*pushes)[0])

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "[orbitd] Add dark mode toggle", fake.created["title"])
	assert.Equal(t, "feature/dark-mode", fake.created["head"])
	assert.Equal(t, "main", fake.created["base"])
	assert.Equal(t, true, fake.created["draft"])
	body, _ := fake.created["body"].(string)
	assert.Contains(t, body, "Dark mode is implemented.")
	assert.Contains(t, body, "1. Add CSS variables")
	assert.Contains(t, body, "- Files changed: 2")
	assert.Contains(t, body, "`web/Toggle.tsx`")

	assert.Equal(t, []string{"type: feature", "scope: frontend", "size: xs", AutomationLabel}, fake.labels)
}

func TestFinalizer_ReturnsOpenPullRequest(t *testing.T) {
	dir := featureRepo(t)
	fake := &fakeGitHub{existing: true}
	f, _ := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{})

	pr, err := f.Finalize(context.Background(), finalizeRequest(dir))
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Zero(t, fake.createCalls)
}

func TestFinalizer_LabelFailureIsNotFatal(t *testing.T) {
	dir := featureRepo(t)
	fake := &fakeGitHub{labelsCode: http.StatusNotFound}
	f, _ := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{})

	pr, err := f.Finalize(context.Background(), finalizeRequest(dir))
	require.NoError(t, err)
	assert.Equal(t, 42, pr.Number)
}

func TestFinalizer_CreateFailure(t *testing.T) {
	dir := featureRepo(t)

	t.Run("validation error is not retried", func(t *testing.T) {
		fake := &fakeGitHub{createCode: http.StatusUnprocessableEntity}
		f, _ := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{})

		_, err := f.Finalize(context.Background(), finalizeRequest(dir))
		require.Error(t, err)
		assert.Equal(t, 1, fake.createCalls)
	})

	t.Run("server error is retried", func(t *testing.T) {
		fake := &fakeGitHub{createCode: http.StatusBadGateway}
		f, _ := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{})

		_, err := f.Finalize(context.Background(), finalizeRequest(dir))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed after 1 retries")
		assert.Equal(t, 2, fake.createCalls)
	})
}

func TestFinalizer_RejectsBaseBranch(t *testing.T) {
	dir := featureRepo(t)
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Branch: plumbing.Main}))

	fake := &fakeGitHub{}
	f, pushes := newTestFinalizer(t, fake, store.NewMemory(), config.GitHubConfig{})

	_, err = f.Finalize(context.Background(), finalizeRequest(dir))
	assert.ErrorIs(t, err, ErrNotFeatureBranch)
	assert.Empty(t, *pushes)
}

func TestFinalizer_MetadataCached(t *testing.T) {
	fake := &fakeGitHub{}
	mem := store.NewMemory()
	f, _ := newTestFinalizer(t, fake, mem, config.GitHubConfig{})
	ctx := context.Background()

	meta, err := f.Metadata(ctx, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "main", meta.DefaultBranch)
	assert.True(t, meta.Private)

	_, err = f.Metadata(ctx, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.repoGets)

	_, err = mem.Get(ctx, store.RepoKey("acme", "widgets"))
	assert.NoError(t, err)
}

func TestFinalizer_NoWorkspace(t *testing.T) {
	f, _ := newTestFinalizer(t, &fakeGitHub{}, store.NewMemory(), config.GitHubConfig{})
	_, err := f.Finalize(context.Background(), orchestrator.FinalizeRequest{ProjectID: "p1"})
	assert.Error(t, err)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "[orbitd] Implement feature for project p1", Title("  ", "p1"))
	assert.Equal(t, "[orbitd] Add search", Title("Add search\n\nDetails follow", "p1"))

	long := Title("Add a very long feature request title that keeps going well past any sensible length", "p1")
	assert.LessOrEqual(t, len([]rune(long)), len("[orbitd] ")+maxTitleLen)
	assert.Contains(t, long, "...")
}

func TestBody_ListsAtMostTenFiles(t *testing.T) {
	var changes []workspace.FileChange
	for i := range 13 {
		changes = append(changes, workspace.FileChange{Path: filepath.Join("pkg", string(rune('a'+i))+".go"), Additions: 1})
	}
	body := Body(orchestrator.FinalizeRequest{ProjectID: "p1", FeatureRequest: "Add things"}, changes)

	assert.Contains(t, body, "## Summary\n\nAdd things")
	assert.Contains(t, body, "- Files changed: 13")
	assert.Contains(t, body, "`pkg/j.go`")
	assert.NotContains(t, body, "`pkg/k.go`")
	assert.Contains(t, body, "... and 3 more files")
}

func TestBody_TruncatesPlanOnRuneBoundary(t *testing.T) {
	plan := "x" + strings.Repeat("ü", maxPlanLen)
	body := Body(orchestrator.FinalizeRequest{ProjectID: "p1", FeatureRequest: "Add umlauts", Plan: plan}, nil)

	assert.True(t, utf8.ValidString(body))
	assert.Contains(t, body, "... (plan truncated)")
}
