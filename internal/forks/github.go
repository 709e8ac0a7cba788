package forks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/sonarsweep/sonarsweep/internal/config"
)

// graphqlProbeChunk bounds how many commits one GraphQL request probes.
const graphqlProbeChunk = 10

// githubClient pairs a REST client with the raw HTTP client used for
// GraphQL, both authenticated by the same token.
type githubClient struct {
	rest       *gogithub.Client
	http       *http.Client
	graphqlURL string
}

// GitHubFinder implements Provider for GitHub, rotating a token pool
// round-robin so lookups spread across rate limit budgets.
type GitHubFinder struct {
	clients []*githubClient

	mu   sync.Mutex
	next int
}

// NewGitHubFinder builds a finder from the configured token pool. At least
// one token is required; unauthenticated fork walks hit the rate limit
// almost immediately.
func NewGitHubFinder(cfg config.GitHubConfig) (*GitHubFinder, error) {
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("at least one github token is required for fork discovery")
	}

	graphqlURL := "https://api.github.com/graphql"
	if cfg.Host != "" && cfg.Host != "github.com" {
		graphqlURL = fmt.Sprintf("https://%s/api/graphql", cfg.Host)
	}

	clients := make([]*githubClient, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		tc := oauth2.NewClient(context.Background(), ts)
		rest := gogithub.NewClient(tc)
		if cfg.Host != "" && cfg.Host != "github.com" {
			base := fmt.Sprintf("https://%s/api/v3/", cfg.Host)
			upload := fmt.Sprintf("https://%s/api/uploads/", cfg.Host)
			var err error
			rest, err = rest.WithEnterpriseURLs(base, upload)
			if err != nil {
				return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
			}
		}
		clients = append(clients, &githubClient{rest: rest, http: tc, graphqlURL: graphqlURL})
	}
	return &GitHubFinder{clients: clients}, nil
}

func (g *GitHubFinder) Name() string { return "github" }

// pick returns the next client in the rotation.
func (g *GitHubFinder) pick() *githubClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.clients[g.next%len(g.clients)]
	g.next++
	return c
}

// ListForks returns one page of forks, oldest first.
func (g *GitHubFinder) ListForks(ctx context.Context, owner, repo string, page, perPage int) ([]Fork, error) {
	c := g.pick()
	list, _, err := c.rest.Repositories.ListForks(ctx, owner, repo, &gogithub.RepositoryListForksOptions{
		ListOptions: gogithub.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, classifyGitHubErr(err)
	}
	out := make([]Fork, 0, len(list))
	for _, f := range list {
		if f == nil || f.GetFullName() == "" {
			continue
		}
		out = append(out, Fork{Slug: f.GetFullName(), CloneURL: f.GetCloneURL()})
	}
	return out, nil
}

// CommitExists probes one commit via the REST commits endpoint: 200 means
// present, 404 and 422 mean absent.
func (g *GitHubFinder) CommitExists(ctx context.Context, owner, repo, sha string) (bool, error) {
	c := g.pick()
	_, resp, err := c.rest.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err == nil {
		return true, nil
	}
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity) {
		return false, nil
	}
	return false, classifyGitHubErr(err)
}

// CommitsExist probes many commits at once using aliased GraphQL object
// lookups, falling back to per-commit REST probes when GraphQL is
// unavailable.
func (g *GitHubFinder) CommitsExist(ctx context.Context, owner, repo string, shas []string) (map[string]bool, error) {
	out := make(map[string]bool, len(shas))

	for start := 0; start < len(shas); start += graphqlProbeChunk {
		end := start + graphqlProbeChunk
		if end > len(shas) {
			end = len(shas)
		}
		chunk := shas[start:end]

		res, err := g.probeGraphQL(ctx, owner, repo, chunk)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				return out, err
			}
			// GraphQL hiccup: probe the chunk one commit at a time.
			for _, sha := range chunk {
				exists, restErr := g.CommitExists(ctx, owner, repo, sha)
				if restErr != nil {
					return out, restErr
				}
				out[sha] = exists
			}
			continue
		}
		for sha, exists := range res {
			out[sha] = exists
		}
	}
	return out, nil
}

// probeGraphQL issues one aliased object(expression:) query per chunk.
func (g *GitHubFinder) probeGraphQL(ctx context.Context, owner, repo string, shas []string) (map[string]bool, error) {
	var q strings.Builder
	q.WriteString("query($owner: String!, $name: String!) { repository(owner: $owner, name: $name) {")
	for i, sha := range shas {
		fmt.Fprintf(&q, " c%d: object(expression: %q) { oid }", i, sha)
	}
	q.WriteString(" } }")

	body, err := json.Marshal(map[string]any{
		"query": q.String(),
		"variables": map[string]string{
			"owner": owner,
			"name":  repo,
		},
	})
	if err != nil {
		return nil, err
	}

	c := g.pick()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return nil, fmt.Errorf("github graphql: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github graphql: unexpected status %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			Repository map[string]*struct {
				OID string `json:"oid"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("github graphql: decoding response: %w", err)
	}

	out := make(map[string]bool, len(shas))
	for i, sha := range shas {
		obj := parsed.Data.Repository[fmt.Sprintf("c%d", i)]
		out[sha] = obj != nil && obj.OID != ""
	}
	return out, nil
}

// classifyGitHubErr maps go-github errors onto the finder's error surface.
func classifyGitHubErr(err error) error {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("github: %w", ErrRateLimited)
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("github: %w", ErrRateLimited)
	}
	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil &&
		respErr.Response.StatusCode == http.StatusForbidden &&
		respErr.Response.Header.Get("X-RateLimit-Remaining") == "0" {
		return fmt.Errorf("github: %w", ErrRateLimited)
	}
	return err
}
