// Package forks locates commits that have vanished from a canonical
// repository by probing its fork network on the hosting provider.
package forks

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited means the provider refused further API calls. Callers
// surface this instead of burying the work so an operator can retry later.
var ErrRateLimited = errors.New("provider rate limit exhausted")

// Fork is one fork of a canonical repository.
type Fork struct {
	// Slug is the fork's owner/name path.
	Slug string `json:"slug"`
	// CloneURL is the fork's HTTPS clone URL.
	CloneURL string `json:"clone_url"`
}

// Provider answers fork and commit questions for one hosting platform.
type Provider interface {
	// Name identifies the platform ("github", "gitlab").
	Name() string
	// ListForks returns one page of forks of owner/repo.
	ListForks(ctx context.Context, owner, repo string, page, perPage int) ([]Fork, error)
	// CommitExists probes a single commit in owner/repo.
	CommitExists(ctx context.Context, owner, repo, sha string) (bool, error)
	// CommitsExist probes many commits in owner/repo at once.
	CommitsExist(ctx context.Context, owner, repo string, shas []string) (map[string]bool, error)
}

// SearchResult is the JSON-serialisable outcome of a fork search for one
// commit, stored on the dead letter that triggered it.
type SearchResult struct {
	Status       string `json:"status"` // found|not-found|rate-limited
	ForkSlug     string `json:"fork_full_name,omitempty"`
	ForkCloneURL string `json:"fork_clone_url,omitempty"`
	Message      string `json:"message,omitempty"`
	CheckedAt    string `json:"checked_at"`
}

// Search statuses.
const (
	SearchFound       = "found"
	SearchNotFound    = "not-found"
	SearchRateLimited = "rate-limited"
)

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
