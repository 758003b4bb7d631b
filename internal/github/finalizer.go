// Package github opens pull requests for finished implementation work.
//
// The Finalizer pushes the workspace's feature branch, opens a pull
// request against the base branch and labels it. Every API call shares one
// rate limiter and is retried with exponential backoff. Repository
// metadata is cached in the store so retries do not refetch it.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/orchestrator"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

const (
	defaultMetadataTTL = time.Hour
	maxTitleLen        = 72
	maxPlanLen         = 20000
	maxListedFiles     = 10
)

// ErrNotFeatureBranch is returned when the workspace is on the base
// branch, a main branch or a detached HEAD.
var ErrNotFeatureBranch = errors.New("workspace is not on a feature branch")

// RepoMetadata is the cached part of a repository's GitHub record.
type RepoMetadata struct {
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	HTMLURL       string    `json:"html_url"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// PushFunc pushes branch of the repository at path to origin.
type PushFunc func(ctx context.Context, path, branch, token string) error

// Finalizer creates pull requests on GitHub.
type Finalizer struct {
	client *gh.Client
	kv     store.KV
	cfg    config.GitHubConfig
	retry  *retrier
	rules  []LabelRule
	logger *logging.Logger
	push   PushFunc
	now    func() time.Time
}

var _ orchestrator.Finalizer = (*Finalizer)(nil)

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(f *Finalizer) { f.logger = l } }

// WithLabelRules replaces DefaultLabelRules.
func WithLabelRules(rules []LabelRule) Option { return func(f *Finalizer) { f.rules = rules } }

// WithPush replaces workspace.PushBranch.
func WithPush(push PushFunc) Option { return func(f *Finalizer) { f.push = push } }

// New creates a Finalizer. kv caches repository metadata.
func New(client *gh.Client, kv store.KV, cfg config.GitHubConfig, opts ...Option) *Finalizer {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	f := &Finalizer{
		client: client,
		kv:     kv,
		cfg:    cfg,
		rules:  DefaultLabelRules,
		logger: logging.NewNop(),
		push:   workspace.PushBranch,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.retry = newRetrier(RetryConfigFrom(cfg), rate.NewLimiter(limit, 1), f.logger)
	return f
}

// Finalize pushes the workspace branch and opens a pull request for it.
// An open pull request for the same branch is returned as is.
func (f *Finalizer) Finalize(ctx context.Context, req orchestrator.FinalizeRequest) (*orchestrator.PullRequest, error) {
	if req.Workspace == nil || req.Workspace.Path == "" {
		return nil, errors.New("finalize: no workspace")
	}
	path := req.Workspace.Path

	branch, err := workspace.CurrentBranch(path)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	owner, repo, err := f.repository(path)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	meta, err := f.Metadata(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	base := f.baseBranch(meta)
	if branch == workspace.DetachedHead || workspace.IsMainBranch(branch) || branch == base {
		return nil, fmt.Errorf("finalize: %w: %s", ErrNotFeatureBranch, branch)
	}

	logger := f.logger.With(
		zap.String("project_id", req.ProjectID),
		zap.String("repository", owner+"/"+repo),
		zap.String("branch", branch))

	changes, err := workspace.ChangedFiles(ctx, path, base)
	if err != nil {
		logger.Warn(ctx, "change detection failed, opening pull request without file list", zap.Error(err))
		changes = nil
	}

	if err := f.push(ctx, path, branch, f.cfg.Token.Value()); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	pr, err := f.existing(ctx, owner, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	if pr != nil {
		logger.Info(ctx, "pull request already open", zap.Int("pr_number", pr.GetNumber()))
		return &orchestrator.PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
	}

	title := Title(req.FeatureRequest, req.ProjectID)
	newPR := &gh.NewPullRequest{
		Title: gh.String(title),
		Head:  gh.String(branch),
		Base:  gh.String(base),
		Body:  gh.String(Body(req, changes)),
		Draft: gh.Bool(f.cfg.Draft),
	}
	_, err = f.retry.do(ctx, "create pull request", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = f.client.PullRequests.Create(ctx, owner, repo, newPR)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	labels := Labels(f.rules, changes, title)
	_, err = f.retry.do(ctx, "add labels", func() (*gh.Response, error) {
		_, resp, err := f.client.Issues.AddLabelsToIssue(ctx, owner, repo, pr.GetNumber(), labels)
		return resp, err
	})
	if err != nil {
		logger.Warn(ctx, "pull request labeling failed", zap.Error(err), zap.Strings("labels", labels))
	}

	logger.Info(ctx, "pull request created",
		zap.Int("pr_number", pr.GetNumber()),
		zap.String("pr_url", pr.GetHTMLURL()))
	return &orchestrator.PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (f *Finalizer) repository(path string) (owner, repo string, err error) {
	if f.cfg.Owner != "" && f.cfg.Repo != "" {
		return f.cfg.Owner, f.cfg.Repo, nil
	}
	origin, err := workspace.OriginURL(path)
	if err != nil {
		return "", "", err
	}
	return workspace.ParseGitHubRemote(origin)
}

func (f *Finalizer) baseBranch(meta *RepoMetadata) string {
	switch {
	case f.cfg.BaseBranch != "":
		return f.cfg.BaseBranch
	case meta.DefaultBranch != "":
		return meta.DefaultBranch
	default:
		return "main"
	}
}

// Metadata returns repository metadata, from the store cache when fresh.
// Cache failures fall through to the API.
func (f *Finalizer) Metadata(ctx context.Context, owner, repo string) (*RepoMetadata, error) {
	key := store.RepoKey(owner, repo)
	if e, err := f.kv.Get(ctx, key); err == nil {
		var meta RepoMetadata
		if err := json.Unmarshal(e.Value, &meta); err == nil {
			return &meta, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		f.logger.Debug(ctx, "repository metadata cache read failed", zap.Error(err))
	}

	var r *gh.Repository
	_, err := f.retry.do(ctx, "get repository", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		r, resp, err = f.client.Repositories.Get(ctx, owner, repo)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	meta := &RepoMetadata{
		Owner:         owner,
		Name:          repo,
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		HTMLURL:       r.GetHTMLURL(),
		FetchedAt:     f.now().UTC(),
	}

	ttl := f.cfg.MetadataTTL.Duration()
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}
	if data, err := json.Marshal(meta); err == nil {
		if _, err := f.kv.Set(ctx, key, data, ttl); err != nil {
			f.logger.Debug(ctx, "repository metadata cache write failed", zap.Error(err))
		}
	}
	return meta, nil
}

// existing returns the open pull request whose head is branch, if any.
func (f *Finalizer) existing(ctx context.Context, owner, repo, branch string) (*gh.PullRequest, error) {
	var prs []*gh.PullRequest
	_, err := f.retry.do(ctx, "list pull requests", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		prs, resp, err = f.client.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
			State:       "open",
			Head:        owner + ":" + branch,
			ListOptions: gh.ListOptions{PerPage: 1},
		})
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

// Title derives a pull request title from the first line of the feature
// request.
func Title(featureRequest, projectID string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(featureRequest), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Sprintf("[orbitd] Implement feature for project %s", projectID)
	}
	if r := []rune(line); len(r) > maxTitleLen {
		line = strings.TrimSpace(string(r[:maxTitleLen-3])) + "..."
	}
	return "[orbitd] " + line
}

// Body renders the pull request description.
func Body(req orchestrator.FinalizeRequest, changes []workspace.FileChange) string {
	var b strings.Builder

	b.WriteString("## Summary\n\n")
	if s := strings.TrimSpace(req.Summary); s != "" {
		b.WriteString(s)
	} else {
		b.WriteString(strings.TrimSpace(req.FeatureRequest))
	}
	b.WriteString("\n\n")

	if plan := strings.TrimSpace(req.Plan); plan != "" {
		if len(plan) > maxPlanLen {
			cut := maxPlanLen
			for cut > 0 && !utf8.RuneStart(plan[cut]) {
				cut--
			}
			plan = plan[:cut] + "\n\n... (plan truncated)"
		}
		b.WriteString("<details>\n<summary>Implementation plan</summary>\n\n")
		b.WriteString(plan)
		b.WriteString("\n\n</details>\n\n")
	}

	if len(changes) > 0 {
		added, deleted := 0, 0
		for _, c := range changes {
			added += c.Additions
			deleted += c.Deletions
		}
		b.WriteString("## Changes Overview\n\n")
		fmt.Fprintf(&b, "- Files changed: %d\n", len(changes))
		fmt.Fprintf(&b, "- Lines added: %d\n", added)
		fmt.Fprintf(&b, "- Lines deleted: %d\n\n", deleted)

		b.WriteString("## File Changes\n\n")
		for i, c := range changes {
			if i == maxListedFiles {
				fmt.Fprintf(&b, "- ... and %d more files\n", len(changes)-maxListedFiles)
				break
			}
			fmt.Fprintf(&b, "- `%s` (+%d/-%d)\n", c.Path, c.Additions, c.Deletions)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "---\nOpened by orbitd for project `%s`.\n", req.ProjectID)
	return b.String()
}
