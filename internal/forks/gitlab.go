package forks

import (
	"context"
	"fmt"
	"net/http"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/sonarsweep/sonarsweep/internal/config"
)

// GitLabFinder implements Provider for GitLab projects. GitLab has no bulk
// commit probe, so CommitsExist degrades to per-commit lookups.
type GitLabFinder struct {
	client *gitlab.Client
}

// NewGitLabFinder builds a finder for the configured GitLab instance.
func NewGitLabFinder(cfg config.GitLabConfig) (*GitLabFinder, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("a gitlab token is required for fork discovery")
	}

	var opts []gitlab.ClientOptionFunc
	if cfg.Host != "" && cfg.Host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4", cfg.Host)))
	}
	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("building gitlab client: %w", err)
	}
	return &GitLabFinder{client: client}, nil
}

func (g *GitLabFinder) Name() string { return "gitlab" }

// ListForks returns one page of forks of owner/repo.
func (g *GitLabFinder) ListForks(ctx context.Context, owner, repo string, page, perPage int) ([]Fork, error) {
	projects, resp, err := g.client.Projects.ListProjectForks(owner+"/"+repo,
		&gitlab.ListProjectsOptions{
			ListOptions: gitlab.ListOptions{Page: int64(page), PerPage: int64(perPage)},
		}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, classifyGitLabErr(resp, err)
	}
	out := make([]Fork, 0, len(projects))
	for _, p := range projects {
		if p == nil || p.PathWithNamespace == "" {
			continue
		}
		out = append(out, Fork{Slug: p.PathWithNamespace, CloneURL: p.HTTPURLToRepo})
	}
	return out, nil
}

// CommitExists probes one commit: 404 means absent, anything else surfaces.
func (g *GitLabFinder) CommitExists(ctx context.Context, owner, repo, sha string) (bool, error) {
	_, resp, err := g.client.Commits.GetCommit(owner+"/"+repo, sha, nil, gitlab.WithContext(ctx))
	if err == nil {
		return true, nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, classifyGitLabErr(resp, err)
}

// CommitsExist probes commits one at a time.
func (g *GitLabFinder) CommitsExist(ctx context.Context, owner, repo string, shas []string) (map[string]bool, error) {
	out := make(map[string]bool, len(shas))
	for _, sha := range shas {
		exists, err := g.CommitExists(ctx, owner, repo, sha)
		if err != nil {
			return out, err
		}
		out[sha] = exists
	}
	return out, nil
}

func classifyGitLabErr(resp *gitlab.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("gitlab: %w", ErrRateLimited)
	}
	return err
}
