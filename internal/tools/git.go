package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// GitTool runs version-control operations on the workspace repository.
type GitTool struct {
	AuthorName  string
	AuthorEmail string
}

func (GitTool) Name() string { return NameGit }
func (GitTool) Description() string {
	return "Run a git operation in the workspace: status, diff, log, branch, add or commit. Never pushes."
}
func (GitTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"operation": {Type: "string", Description: "Operation to run", Enum: []string{"status", "diff", "log", "branch", "add", "commit"}},
			"message":   {Type: "string", Description: "Commit message (commit)"},
			"branch":    {Type: "string", Description: "Branch to switch to, created if missing (branch). Omit to show the current branch."},
			"paths":     {Type: "array", Description: "Paths to stage (add). Omit to stage everything.", Items: &Property{Type: "string"}},
			"staged":    {Type: "boolean", Description: "Show staged changes (diff)"},
			"limit":     {Type: "integer", Description: "Number of commits to show (log, default 10)"},
		},
		Required: []string{"operation"},
	}
}

func (g GitTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	dir, err := resolvePath(env.Workspace, "")
	if err != nil {
		return "", err
	}
	op := args.String("operation")
	if op == "diff" {
		return gitDiff(ctx, dir, args.Bool("staged"))
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	switch op {
	case "status":
		return gitStatus(repo)
	case "log":
		return gitLog(repo, args.Int("limit", 10))
	case "branch":
		return gitBranch(repo, args.String("branch"))
	case "add":
		return gitAdd(repo, stringSlice(args["paths"]))
	case "commit":
		return g.commit(repo, args.String("message"))
	default:
		return "", fmt.Errorf("unsupported operation %q", op)
	}
}

func gitStatus(repo *git.Repository) (string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return "nothing to commit, working tree clean", nil
	}
	return status.String(), nil
}

// gitDiff shells out because go-git cannot diff the worktree against the
// index.
func gitDiff(ctx context.Context, dir string, staged bool) (string, error) {
	args := []string{"diff", "--no-color"}
	if staged {
		args = append(args, "--cached")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git diff: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if len(out) == 0 {
		return "No changes", nil
	}
	return string(out), nil
}

func gitLog(repo *git.Repository, limit int) (string, error) {
	if limit <= 0 {
		limit = 10
	}
	iter, err := repo.Log(&git.LogOptions{Order: git.LogOrderCommitterTime})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	defer iter.Close()

	var b strings.Builder
	n := 0
	err = iter.ForEach(func(c *object.Commit) error {
		if n >= limit {
			return storer.ErrStop
		}
		n++
		subject, _, _ := strings.Cut(c.Message, "\n")
		fmt.Fprintf(&b, "%s %s %s %s\n", c.Hash.String()[:7], c.Author.When.Format("2006-01-02"), c.Author.Name, subject)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("log: %w", err)
	}
	return b.String(), nil
}

func gitBranch(repo *git.Repository, name string) (string, error) {
	if name == "" {
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("head: %w", err)
		}
		return head.Name().Short(), nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	ref := plumbing.NewBranchReferenceName(name)
	_, err = repo.Reference(ref, true)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err != nil && !create {
		return "", fmt.Errorf("lookup branch: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: true}); err != nil {
		return "", fmt.Errorf("checkout %s: %w", name, err)
	}
	if create {
		return "Switched to a new branch " + name, nil
	}
	return "Switched to branch " + name, nil
}

func gitAdd(repo *git.Repository, paths []string) (string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 || (len(paths) == 1 && paths[0] == ".") {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return "", fmt.Errorf("add: %w", err)
		}
		return "Staged all changes", nil
	}
	for _, p := range paths {
		if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			return "", fmt.Errorf("add %s: %w", p, ErrOutsideWorkspace)
		}
		if _, err := wt.Add(p); err != nil {
			return "", fmt.Errorf("add %s: %w", p, err)
		}
	}
	return "Staged " + strings.Join(paths, ", "), nil
}

func (g GitTool) commit(repo *git.Repository, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("commit message is required")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	name, email := g.AuthorName, g.AuthorEmail
	if name == "" {
		name = "orbitd"
	}
	if email == "" {
		email = "orbitd@localhost"
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: name, Email: email, When: time.Now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return "Committed " + hash.String()[:7], nil
}

func stringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val != "" {
			return []string{val}
		}
	}
	return nil
}
