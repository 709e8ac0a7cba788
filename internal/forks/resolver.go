package forks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Resolver walks a repository's fork network looking for commits. The
// canonical repository is always checked first; fork pages are bounded so a
// popular repository cannot turn one lookup into thousands of API calls.
type Resolver struct {
	provider Provider
	pages    int
	perPage  int
}

// NewResolver builds a Resolver over provider, walking at most pages pages
// of perPage forks.
func NewResolver(provider Provider, pages, perPage int) *Resolver {
	if pages <= 0 {
		pages = 5
	}
	if perPage <= 0 {
		perPage = 100
	}
	return &Resolver{provider: provider, pages: pages, perPage: perPage}
}

// FindCommit looks for a single commit, canonical repository first, then
// fork by fork. A rate-limited provider yields a rate-limited result plus
// ErrRateLimited so callers can both persist and report it.
func (r *Resolver) FindCommit(ctx context.Context, owner, repo, sha string) (*SearchResult, error) {
	found, err := r.FindCommits(ctx, owner, repo, []string{sha})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return &SearchResult{
				Status:    SearchRateLimited,
				Message:   err.Error(),
				CheckedAt: stamp(),
			}, err
		}
		return nil, err
	}
	if fork, ok := found[sha]; ok {
		return &SearchResult{
			Status:       SearchFound,
			ForkSlug:     fork.Slug,
			ForkCloneURL: fork.CloneURL,
			CheckedAt:    stamp(),
		}, nil
	}
	return &SearchResult{
		Status:    SearchNotFound,
		Message:   fmt.Sprintf("commit not found in %s/%s or its first %d fork pages", owner, repo, r.pages),
		CheckedAt: stamp(),
	}, nil
}

// FindCommits resolves many commits at once, returning a map of sha to the
// fork (or canonical repository) that holds it. The pending set shrinks as
// commits are located; the walk stops early once it is empty.
func (r *Resolver) FindCommits(ctx context.Context, owner, repo string, shas []string) (map[string]Fork, error) {
	pending := make(map[string]struct{}, len(shas))
	for _, sha := range shas {
		pending[sha] = struct{}{}
	}
	found := make(map[string]Fork, len(shas))

	canonical := Fork{Slug: owner + "/" + repo}
	if err := r.probe(ctx, owner, repo, canonical, pending, found); err != nil {
		return found, err
	}
	if len(pending) == 0 {
		return found, nil
	}

	for page := 1; page <= r.pages; page++ {
		list, err := r.provider.ListForks(ctx, owner, repo, page, r.perPage)
		if err != nil {
			return found, fmt.Errorf("listing forks of %s/%s: %w", owner, repo, err)
		}
		if len(list) == 0 {
			break
		}
		for _, fork := range list {
			forkOwner, forkRepo, ok := splitSlug(fork.Slug)
			if !ok {
				continue
			}
			if err := r.probe(ctx, forkOwner, forkRepo, fork, pending, found); err != nil {
				return found, err
			}
			if len(pending) == 0 {
				return found, nil
			}
		}
		if len(list) < r.perPage {
			break
		}
	}

	slog.Debug("Fork walk finished",
		"repo", owner+"/"+repo,
		"found", len(found),
		"missing", len(pending),
	)
	return found, nil
}

// probe checks the pending commits against one repository and moves hits
// into found.
func (r *Resolver) probe(ctx context.Context, owner, repo string, source Fork, pending map[string]struct{}, found map[string]Fork) error {
	if len(pending) == 0 {
		return nil
	}
	shas := make([]string, 0, len(pending))
	for sha := range pending {
		shas = append(shas, sha)
	}
	exists, err := r.provider.CommitsExist(ctx, owner, repo, shas)
	if err != nil {
		return err
	}
	for sha, ok := range exists {
		if !ok {
			continue
		}
		found[sha] = source
		delete(pending, sha)
	}
	return nil
}

func splitSlug(slug string) (owner, repo string, ok bool) {
	for i := 0; i < len(slug); i++ {
		if slug[i] == '/' {
			if i == 0 || i == len(slug)-1 {
				return "", "", false
			}
			return slug[:i], slug[i+1:], true
		}
	}
	return "", "", false
}
