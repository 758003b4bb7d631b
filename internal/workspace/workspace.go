// Package workspace locates the working copy an agent operates on and
// inspects its git state.
//
// Provisioning and cloning happen elsewhere. A Resolver only maps a project
// to a directory and reports what it finds there: the checked-out branch,
// the origin remote and the changes relative to a base branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/orbitd/internal/store"
)

var (
	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNoOrigin indicates the repository has no origin remote.
	ErrNoOrigin = errors.New("no origin remote")

	// ErrUnsupportedRemote indicates the origin URL is not a GitHub URL.
	ErrUnsupportedRemote = errors.New("unsupported remote url")
)

// DetachedHead is reported as the branch when HEAD is not a branch.
const DetachedHead = "detached"

// Workspace is a project's working copy.
type Workspace struct {
	ProjectID string
	Path      string
}

// Resolver maps a project to its workspace.
type Resolver interface {
	Resolve(ctx context.Context, projectID string) (*Workspace, error)
}

// DirResolver places every project under Root/<project_id>.
type DirResolver struct {
	Root string
}

var _ Resolver = DirResolver{}

// Resolve returns the project directory, creating it if needed.
func (r DirResolver) Resolve(_ context.Context, projectID string) (*Workspace, error) {
	if err := store.ValidateID("project id", projectID); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(r.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	path := filepath.Join(root, projectID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", path, err)
	}
	return &Workspace{ProjectID: projectID, Path: path}, nil
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return repo, nil
}

// CurrentBranch returns the checked-out branch, or DetachedHead.
//
// Example:
//
//	branch, err := workspace.CurrentBranch(ws.Path)
//	if err == nil && !workspace.IsMainBranch(branch) {
//	    // feature branch, safe to open a pull request from
//	}
func CurrentBranch(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return DetachedHead, nil
	}
	return head.Name().Short(), nil
}

// IsMainBranch reports whether branch is "main" or "master".
func IsMainBranch(branch string) bool {
	return branch == "main" || branch == "master"
}

// OriginURL returns the first URL of the origin remote.
func OriginURL(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote(git.DefaultRemoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return "", ErrNoOrigin
	}
	if err != nil {
		return "", fmt.Errorf("read origin: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", ErrNoOrigin
	}
	return urls[0], nil
}

// ParseGitHubRemote extracts owner and repository from the usual GitHub
// remote forms:
//
//	https://github.com/acme/widgets.git
//	git@github.com:acme/widgets.git
//	ssh://git@github.com/acme/widgets
func ParseGitHubRemote(url string) (owner, repo string, err error) {
	rest := url
	switch {
	case strings.HasPrefix(rest, "git@"):
		_, rest, _ = strings.Cut(rest, ":")
	case strings.Contains(rest, "://"):
		_, rest, _ = strings.Cut(rest, "://")
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = ""
		}
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, url)
	}
	rest = strings.TrimSuffix(strings.TrimSuffix(rest, "/"), ".git")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedRemote, url)
	}
	return parts[0], parts[1], nil
}

// FileChange is one changed file with its line counts.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ChangedFiles compares HEAD with base. base is looked up as the origin
// remote-tracking branch first, then as a local branch. Binary files are
// not reported.
func ChangedFiles(ctx context.Context, path, base string) ([]FileChange, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	baseCommit, err := resolveBase(repo, base)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("read HEAD commit: %w", err)
	}
	if baseCommit.Hash == headCommit.Hash {
		return nil, nil
	}

	patch, err := baseCommit.PatchContext(ctx, headCommit)
	if err != nil {
		return nil, fmt.Errorf("diff %s..HEAD: %w", base, err)
	}
	stats := patch.Stats()
	out := make([]FileChange, 0, len(stats))
	for _, s := range stats {
		out = append(out, FileChange{Path: s.Name, Additions: s.Addition, Deletions: s.Deletion})
	}
	return out, nil
}

func resolveBase(repo *git.Repository, base string) (*object.Commit, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, base),
		plumbing.NewBranchReferenceName(base),
	}
	for _, name := range candidates {
		ref, err := repo.Reference(name, true)
		if err != nil {
			continue
		}
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return commit, nil
	}
	return nil, fmt.Errorf("base branch %q not found", base)
}

// TotalLines sums additions and deletions.
func TotalLines(changes []FileChange) int {
	n := 0
	for _, c := range changes {
		n += c.Additions + c.Deletions
	}
	return n
}

// PushBranch pushes branch to the origin remote under the same name. A
// non-empty token is sent as HTTP basic auth for http(s) remotes. An
// up-to-date remote is not an error.
func PushBranch(ctx context.Context, path, branch, token string) error {
	repo, err := open(path)
	if err != nil {
		return err
	}
	remote, err := repo.Remote(git.DefaultRemoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return ErrNoOrigin
	}
	if err != nil {
		return fmt.Errorf("read origin: %w", err)
	}

	var auth transport.AuthMethod
	urls := remote.Config().URLs
	if token != "" && len(urls) > 0 && strings.HasPrefix(urls[0], "http") {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	ref := plumbing.NewBranchReferenceName(branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref + ":" + ref)},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}
